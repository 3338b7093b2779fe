package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v1 "github.com/tinoosan/fetchd/api/v1"
	internaldata "github.com/tinoosan/fetchd/internal/data"
	"github.com/tinoosan/fetchd/internal/downloader/httpdl"
	"github.com/tinoosan/fetchd/internal/placement"
	"github.com/tinoosan/fetchd/internal/repo"
	"github.com/tinoosan/fetchd/internal/router"
	"github.com/tinoosan/fetchd/internal/service"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testToken = "testtoken"

type env struct {
	h       http.Handler
	history *repo.InMemoryHistoryRepo
	events  *v1.Events
	dir     string
}

func setup(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	hist := repo.NewInMemoryHistoryRepo(0)
	tr := httpdl.New(httpdl.Options{TempDir: dir, ReadTimeout: 2 * time.Second})
	reg := service.NewRegistry(tr, placement.New(logger), service.Options{History: hist, Logger: logger})
	events := v1.NewEvents(logger)
	t.Cleanup(func() {
		events.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &env{
		h:       router.New(logger, testToken, reg, hist, events),
		history: hist,
		events:  events,
		dir:     dir,
	}
}

func authReq(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+testToken)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	authReq(req)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// stallingSource sends the first 10 of 100 bytes and then waits for the
// client to go away.
func stallingSource(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 10))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func waitHistory(t *testing.T, hist *repo.InMemoryHistoryRepo, n int) internaldata.Records {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ := hist.List(context.Background())
		if len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("history never reached %d records", n)
	return nil
}

func TestHealthz(t *testing.T) {
	e := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("expected body 'ok' got %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestDownloadsRequireToken(t *testing.T) {
	e := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/downloads", nil)
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}

func TestDownloadsLifecycle(t *testing.T) {
	e := setup(t)
	src := stallingSource(t)
	source := src.URL + "/big.iso"
	target := filepath.Join(e.dir, "big.iso")

	// GET empty list
	rr := do(t, e.h, http.MethodGet, "/v1/downloads", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list got %v", list)
	}

	// POST new download
	body := `{"source":"` + source + `","targetPath":"` + target + `"}`
	rr = do(t, e.h, http.MethodPost, "/v1/downloads", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rr.Code, rr.Body.String())
	}
	var created internaldata.Task
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Source != source || created.ID == "" {
		t.Fatalf("unexpected task %+v", created)
	}

	// POST same source again re-attaches
	rr = do(t, e.h, http.MethodPost, "/v1/downloads", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for existing download got %d", rr.Code)
	}

	// GET list has exactly one task
	rr = do(t, e.h, http.MethodGet, "/v1/downloads", "")
	list = nil
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != created.ID {
		t.Fatalf("unexpected list: %v", list)
	}

	// DELETE cancels it
	rr = do(t, e.h, http.MethodDelete, "/v1/downloads?source="+source, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rr.Code)
	}

	recs := waitHistory(t, e.history, 1)
	if recs[0].Outcome != internaldata.OutcomeCancelled || recs[0].ID != created.ID {
		t.Fatalf("unexpected record %+v", recs[0])
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("cancelled download left a target file, err=%v", err)
	}

	// GET history
	rr = do(t, e.h, http.MethodGet, "/v1/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	var hist []internaldata.Record
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 history record got %d", len(hist))
	}

	rr = do(t, e.h, http.MethodGet, "/v1/history/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	rr = do(t, e.h, http.MethodGet, "/v1/history/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rr.Code)
	}
}

func TestCancelRequiresSource(t *testing.T) {
	e := setup(t)
	rr := do(t, e.h, http.MethodDelete, "/v1/downloads", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	// Unknown sources are a no-op.
	rr = do(t, e.h, http.MethodDelete, "/v1/downloads?source=http://nowhere.invalid/x", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rr.Code)
	}
}

func TestPostDownloadValidation(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"wrong content-type", "text/plain", "{}", http.StatusUnsupportedMediaType},
		{"malformed json", "application/json", `{"source":`, http.StatusBadRequest},
		{"unknown field", "application/json", `{"source":"http://example.com/a","targetPath":"/tmp/a","extra":1}`, http.StatusBadRequest},
		{"missing target", "application/json", `{"source":"http://example.com/a"}`, http.StatusBadRequest},
		{"relative source", "application/json", `{"source":"a.zip","targetPath":"/tmp/a"}`, http.StatusBadRequest},
		{"unsupported scheme", "application/json", `{"source":"ftp://example.com/a","targetPath":"/tmp/a"}`, http.StatusBadRequest},
		{"body too large", "application/json", `{"source":"http://example.com/` + strings.Repeat("a", 1<<20) + `","targetPath":"/tmp"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(tt.body))
			authReq(req)
			req.Header.Set("Content-Type", tt.contentType)
			rr := httptest.NewRecorder()
			e.h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}

	rr := do(t, e.h, http.MethodGet, "/v1/downloads", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("rejected requests created tasks: %s", rr.Body.String())
	}
}

func TestEventsStreamsProgress(t *testing.T) {
	e := setup(t)
	payload := bytes.Repeat([]byte("y"), 4096)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer src.Close()

	api := httptest.NewServer(e.h)
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/v1/events"
	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	for e.events.Len() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("client never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	target := filepath.Join(e.dir, "small.bin")
	rr := do(t, e.h, http.MethodPost, "/v1/downloads", `{"source":"`+src.URL+`/small.bin","targetPath":"`+target+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}

	var last internaldata.State
	for !last.Completed {
		if err := wsjson.Read(ctx, c, &last); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !last.Succeeded() || last.Source != src.URL+"/small.bin" {
		t.Fatalf("unexpected terminal state %+v", last)
	}
	got, err := os.ReadFile(target)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("target not installed: err=%v len=%d", err, len(got))
	}
}
