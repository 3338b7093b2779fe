package v1

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tinoosan/fetchd/internal/data"
	"github.com/tinoosan/fetchd/internal/fp"
	"github.com/tinoosan/fetchd/internal/repo"
	"github.com/tinoosan/fetchd/internal/reqid"
	"github.com/tinoosan/fetchd/internal/service"
)

type DownloadHandler struct {
	l       *slog.Logger
	svc     service.Downloads
	history repo.HistoryReader
	events  *Events
}

type startBody struct {
	Source     string `json:"source"`
	TargetPath string `json:"targetPath"`
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade pass through the access logger.
func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// context keys
type ctxKeyStart struct{}

// NewDownloadHandler wires the download endpoints. events may be nil, in
// which case progress is not published anywhere.
func NewDownloadHandler(l *slog.Logger, svc service.Downloads, history repo.HistoryReader, events *Events) *DownloadHandler {
	return &DownloadHandler{l: l, svc: svc, history: history, events: events}
}

func (dh *DownloadHandler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ts := dh.svc.List()
	if err := ts.ToJSON(w); err != nil {
		markErr(w, err)
		http.Error(w, "Unable to marshal json", http.StatusInternalServerError)
		return
	}
}

// StartDownload begins (or re-attaches to) a download. Progress snapshots
// are published to the events stream.
func (dh *DownloadHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	v := r.Context().Value(ctxKeyStart{})
	body, ok := v.(startBody)
	if !ok {
		markErr(w, ErrStartCtx)
		http.Error(w, ErrStartCtx.Error(), http.StatusInternalServerError)
		return
	}

	// The subscription outlives the request; it ends with the events hub.
	sub := context.Background()
	cb := data.Callback(nil)
	if dh.events != nil {
		sub = dh.events.Context()
		cb = dh.events.Publish
	}
	existing, err := dh.svc.Start(sub, body.Source, body.TargetPath, cb)
	if err != nil {
		markErr(w, err)
		switch {
		case errors.Is(err, data.ErrInvalidSource), errors.Is(err, data.ErrTargetPath):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, data.ErrClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, "failed to start download", http.StatusInternalServerError)
		}
		return
	}

	id, _ := reqid.From(r.Context())
	dh.l.Info("download requested", "source", body.Source, "target", body.TargetPath, "existing", existing, "request_id", id)

	src, _ := fp.NormalizeSource(body.Source)
	var task *data.Task
	for _, t := range dh.svc.List() {
		if t.Source == src {
			task = t
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if existing {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	if task == nil {
		// Finished before we could look at it; echo the request instead.
		task = &data.Task{Source: src, TargetPath: body.TargetPath, Status: data.StatusFinished}
	}
	_ = task.ToJSON(w)
}

func (dh *DownloadHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		markErr(w, ErrSourceQuery)
		http.Error(w, ErrSourceQuery.Error(), http.StatusBadRequest)
		return
	}
	dh.svc.Cancel(source)
	w.WriteHeader(http.StatusAccepted)
}

func (dh *DownloadHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := dh.history.List(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = recs.ToJSON(w)
}

func (dh *DownloadHandler) GetHistoryRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := dh.history.Get(r.Context(), id)
	if err != nil {
		markErr(w, err)
		if errors.Is(err, data.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get record", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = rec.ToJSON(w)
}
