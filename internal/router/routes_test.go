package router

import (
    "context"
    "io"
    "log/slog"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/tinoosan/fetchd/internal/data"
    "github.com/tinoosan/fetchd/internal/metrics"
    "github.com/tinoosan/fetchd/internal/repo"
)

// fakeDownloads is a stub to satisfy service.Downloads in router tests.
type fakeDownloads struct{ cancelled []string }

func (f *fakeDownloads) Start(ctx context.Context, source, target string, cb data.Callback) (bool, error) {
    return false, nil
}
func (f *fakeDownloads) Cancel(source string) { f.cancelled = append(f.cancelled, source) }
func (f *fakeDownloads) List() data.Tasks     { return data.Tasks{} }

func newTestRouter(f *fakeDownloads) http.Handler {
    logger := slog.New(slog.NewTextHandler(io.Discard, nil))
    return New(logger, "tok", f, repo.NewInMemoryHistoryRepo(0), nil)
}

func TestHealthzOK(t *testing.T) {
    r := newTestRouter(&fakeDownloads{})

    req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
    w := httptest.NewRecorder()
    r.ServeHTTP(w, req)

    if w.Code != http.StatusOK {
        t.Fatalf("expected 200, got %d", w.Code)
    }
    if got := w.Body.String(); got != "ok" {
        t.Fatalf("expected body 'ok', got %q", got)
    }
}

func TestMetricsEndpointEmitsFamilies(t *testing.T) {
    metrics.Register()
    metrics.DownloadEvents.WithLabelValues("start").Inc()
    metrics.RunningDownloads.Set(2)

    r := newTestRouter(&fakeDownloads{})

    req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
    w := httptest.NewRecorder()
    r.ServeHTTP(w, req)

    if w.Code != http.StatusOK {
        t.Fatalf("expected 200, got %d", w.Code)
    }
    body := w.Body.String()
    for _, name := range []string{"fetchd_download_events_total", "fetchd_running_downloads", "fetchd_queued_downloads"} {
        if !strings.Contains(body, name) {
            t.Fatalf("missing %s in metrics: %s", name, body)
        }
    }
}

func TestCancelRoutesToService(t *testing.T) {
    f := &fakeDownloads{}
    r := newTestRouter(f)

    req := httptest.NewRequest(http.MethodDelete, "/v1/downloads?source=http://example.com/a", nil)
    req.Header.Set("Authorization", "Bearer tok")
    w := httptest.NewRecorder()
    r.ServeHTTP(w, req)

    if w.Code != http.StatusAccepted {
        t.Fatalf("expected 202, got %d", w.Code)
    }
    if len(f.cancelled) != 1 || f.cancelled[0] != "http://example.com/a" {
        t.Fatalf("unexpected cancels %v", f.cancelled)
    }
}

func TestEventsRouteAbsentWithoutHub(t *testing.T) {
    r := newTestRouter(&fakeDownloads{})
    req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
    req.Header.Set("Authorization", "Bearer tok")
    w := httptest.NewRecorder()
    r.ServeHTTP(w, req)
    if w.Code != http.StatusNotFound {
        t.Fatalf("expected 404, got %d", w.Code)
    }
}
