package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/fetchd/internal/data"
	"github.com/tinoosan/fetchd/internal/dispatch"
	"github.com/tinoosan/fetchd/internal/downloader"
	"github.com/tinoosan/fetchd/internal/fp"
	"github.com/tinoosan/fetchd/internal/metrics"
	"github.com/tinoosan/fetchd/internal/repo"
)

// DefaultMaxConcurrent is the number of downloads allowed to run at once.
const DefaultMaxConcurrent = 5

// Placer installs a completed temp file at its destination.
type Placer interface {
	Place(tempPath, targetPath string) error
}

// Downloads is the surface hosts use to drive the registry.
type Downloads interface {
	Start(ctx context.Context, source, targetPath string, cb data.Callback) (bool, error)
	Cancel(source string)
	List() data.Tasks
}

// Options configures a Registry.
type Options struct {
	// MaxConcurrent bounds running downloads. Default: 5.
	MaxConcurrent int
	// History receives a record for every finished task. Optional.
	History repo.HistoryWriter
	Logger  *slog.Logger
}

// Registry tracks downloads by source URL, deduplicates requests, runs at
// most MaxConcurrent of them at once and queues the rest in FIFO order.
//
// Callbacks run on a single dispatcher goroutine, never concurrently with
// each other.
type Registry struct {
	tr      downloader.Transport
	pl      Placer
	disp    *dispatch.Dispatcher
	history repo.HistoryWriter
	log     *slog.Logger
	limit   int

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	tasks   map[string]*task
	queue   []*task
	running int
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

var _ Downloads = (*Registry)(nil)

// NewRegistry creates a Registry and starts its callback dispatcher.
// Call Shutdown to release it.
func NewRegistry(tr downloader.Transport, pl Placer, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	// Tag this registry with a stable operation_id for easier correlation.
	log = log.With("operation_id", uuid.NewString())
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Registry{
		tr:      tr,
		pl:      pl,
		disp:    dispatch.New(log),
		history: opts.History,
		log:     log,
		limit:   limit,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
	r.disp.Run()
	return r
}

// Start begins downloading source into targetPath and reports progress to
// cb. If a download for source is already queued or running, only its
// callback is replaced and Start returns true.
//
// ctx scopes the subscription: once it is done, cb receives nothing more.
// It does not cancel the download; use Cancel for that.
func (r *Registry) Start(ctx context.Context, source, targetPath string, cb data.Callback) (bool, error) {
	src, err := fp.NormalizeSource(source)
	if err != nil {
		return false, err
	}
	dst := fp.NormalizeTargetPath(targetPath)
	if dst == "" {
		return false, data.ErrTargetPath
	}
	sub := subscriber{ctx: ctx, fn: cb}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, data.ErrClosed
	}
	if t, ok := r.tasks[src]; ok && t.replaceSubscriber(sub) {
		r.mu.Unlock()
		r.log.Info("download already tracked, callback replaced", "source", src, "task_id", t.id)
		return true, nil
	}
	r.seq++
	t := newTask(r.seq, src, dst, sub)
	r.tasks[src] = t
	r.queue = append(r.queue, t)
	r.mu.Unlock()

	metrics.DownloadEvents.WithLabelValues("queued").Inc()
	r.log.Info("download queued", "source", src, "target", dst, "task_id", t.id)
	r.admit()
	return false, nil
}

// Cancel requests that the download for source stop. Unknown sources and
// repeated calls are no-ops. The outcome arrives through the callback.
func (r *Registry) Cancel(source string) {
	src, err := fp.NormalizeSource(source)
	if err != nil {
		return
	}
	r.mu.Lock()
	t, ok := r.tasks[src]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch t.requestCancel() {
	case cancelQueued:
		r.log.Info("queued download cancelled", "source", src, "task_id", t.id)
		r.finish(t, false, result{
			state:   data.State{Progress: 0, Completed: true, Source: src},
			outcome: data.OutcomeCancelled,
		})
	case cancelRunning:
		r.log.Info("cancelling download", "source", src, "task_id", t.id)
	}
}

// List returns a snapshot of tracked downloads in the order they were started.
func (r *Registry) List() data.Tasks {
	r.mu.Lock()
	ts := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
	out := make(data.Tasks, len(ts))
	for i, t := range ts {
		out[i] = t.snapshot()
	}
	return out
}

// Shutdown cancels every download, waits for workers to deliver their
// terminal callbacks and stops the dispatcher. It returns ctx.Err() if ctx
// expires first; the dispatcher is left running in that case.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	first := !r.closed
	r.closed = true
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	if first {
		for _, t := range queued {
			if t.requestCancel() == cancelQueued {
				r.finish(t, false, result{
					state:   data.State{Progress: 0, Completed: true, Source: t.source},
					outcome: data.OutcomeCancelled,
				})
			}
		}
		r.cancel(data.ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.disp.Stop()
	return nil
}

// admit promotes queued tasks into free slots.
func (r *Registry) admit() {
	var started []*task
	r.mu.Lock()
	for !r.closed && r.running < r.limit && len(r.queue) > 0 {
		t := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		if !t.markRunning(r.ctx) {
			continue
		}
		r.running++
		r.wg.Add(1)
		started = append(started, t)
	}
	running, queued := r.running, len(r.queue)
	r.mu.Unlock()

	r.setGauges(running, queued)
	for _, t := range started {
		metrics.DownloadEvents.WithLabelValues("start").Inc()
		r.log.Info("download started", "source", t.source, "task_id", t.id, "running", running, "queued", queued)
		go r.work(t)
	}
}

func (r *Registry) work(t *task) {
	defer r.wg.Done()
	res := t.run(r.tr, r.pl, func(st data.State) { r.deliver(t, st) })
	r.finish(t, true, res)
}

// finish removes t from the registry, delivers its terminal snapshot and
// frees its slot. Removal happens first so that a Start issued from the
// terminal callback creates a fresh task.
func (r *Registry) finish(t *task, wasRunning bool, res result) {
	r.mu.Lock()
	if cur, ok := r.tasks[t.source]; ok && cur == t {
		delete(r.tasks, t.source)
	}
	if wasRunning {
		r.running--
	} else {
		for i, q := range r.queue {
			if q == t {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
	}
	running, queued := r.running, len(r.queue)
	r.mu.Unlock()
	r.setGauges(running, queued)

	r.deliver(t, res.state)

	label := strings.ToLower(string(res.outcome))
	metrics.DownloadEvents.WithLabelValues(label).Inc()
	if since := t.runningSince(); wasRunning && !since.IsZero() {
		metrics.DownloadDuration.WithLabelValues(label).Observe(time.Since(since).Seconds())
	}
	if res.err != nil {
		r.log.Warn("download finished", "source", t.source, "task_id", t.id, "outcome", res.outcome, "progress", res.state.Progress, "err", res.err)
	} else {
		r.log.Info("download finished", "source", t.source, "task_id", t.id, "outcome", res.outcome, "progress", res.state.Progress)
	}
	r.log.Debug("slots", "running", running, "queued", queued)

	r.record(t, res)
	r.admit()
}

// deliver hands st to whichever callback is attached when the dispatcher
// gets to it, so a replaced callback receives nothing further.
func (r *Registry) deliver(t *task, st data.State) {
	ok := r.disp.Submit(func() {
		if sub := t.subscriber(); sub.live() {
			sub.fn(st)
		}
	})
	if !ok {
		r.log.Debug("dispatcher stopped, dropping update", "source", t.source, "completed", st.Completed)
	}
}

func (r *Registry) record(t *task, res result) {
	if r.history == nil {
		return
	}
	rec := &data.Record{
		ID:         t.id,
		Source:     t.source,
		TargetPath: t.target,
		Progress:   res.state.Progress,
		Outcome:    res.outcome,
		CreatedAt:  t.createdAt,
		FinishedAt: time.Now(),
	}
	if res.err != nil {
		rec.Error = res.err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.history.Add(ctx, rec); err != nil {
		r.log.Error("record history", "source", t.source, "task_id", t.id, "err", err)
	}
}

func (r *Registry) setGauges(running, queued int) {
	metrics.RunningDownloads.Set(float64(running))
	metrics.QueuedDownloads.Set(float64(queued))
}
