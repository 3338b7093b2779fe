package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/fetchd/internal/data"
	"github.com/tinoosan/fetchd/internal/downloader"
)

// subscriber is the consumer attached to a task. Once ctx is done the
// consumer is gone and deliveries are dropped.
type subscriber struct {
	ctx context.Context
	fn  data.Callback
}

func (s subscriber) live() bool {
	return s.fn != nil && (s.ctx == nil || s.ctx.Err() == nil)
}

type cancelResult int

const (
	cancelNoop cancelResult = iota
	cancelQueued
	cancelRunning
)

// result is what a task hands back to the registry when it finishes.
type result struct {
	state   data.State
	outcome data.Outcome
	err     error
}

// task is one download identified by its source URL. All mutable fields
// are guarded by mu; the registry lock, when needed, is always taken first.
type task struct {
	id        string
	seq       uint64
	source    string
	target    string
	createdAt time.Time

	mu        sync.Mutex
	status    data.TaskStatus
	sub       subscriber
	written   int64
	expected  int64
	progress  int
	emitted   bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

func newTask(seq uint64, source, target string, sub subscriber) *task {
	return &task{
		id:        uuid.NewString(),
		seq:       seq,
		source:    source,
		target:    target,
		createdAt: time.Now(),
		status:    data.StatusQueued,
		sub:       sub,
		expected:  downloader.SizeUnknown,
	}
}

// replaceSubscriber swaps the callback in place. It reports false when the
// task has already finished and can no longer deliver anything.
func (t *task) replaceSubscriber(sub subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == data.StatusFinished {
		return false
	}
	t.sub = sub
	return true
}

func (t *task) subscriber() subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub
}

// markRunning moves a queued task to Running with a transport context
// derived from parent. It reports false if the task is no longer queued.
func (t *task) markRunning(parent context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != data.StatusQueued {
		return false
	}
	t.status = data.StatusRunning
	t.startedAt = time.Now()
	t.ctx, t.cancel = context.WithCancelCause(parent)
	return true
}

// requestCancel asks the task to stop. A queued task finishes on the spot;
// a running one is moved to Cancelling and its transport aborted.
func (t *task) requestCancel() cancelResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case data.StatusQueued:
		t.status = data.StatusFinished
		t.progress = 0
		return cancelQueued
	case data.StatusRunning:
		t.status = data.StatusCancelling
		t.cancel(downloader.ErrCancelled)
		return cancelRunning
	default:
		return cancelNoop
	}
}

// run drives the transport to its terminal event. Snapshots that should
// reach the consumer are handed to emit in order.
func (t *task) run(tr downloader.Transport, pl Placer, emit func(data.State)) result {
	t.mu.Lock()
	ctx, cancel := t.ctx, t.cancel
	t.mu.Unlock()
	defer cancel(nil)

	rep := downloader.ReporterFunc(func(e downloader.Event) {
		if e.Type != downloader.EventProgress || e.Progress == nil {
			return
		}
		if st, ok := t.onProgress(e.Progress.Completed, e.Progress.Total); ok {
			emit(st)
		}
	})
	return t.onTransportComplete(tr.Fetch(ctx, t.source, rep), pl)
}

// onProgress folds byte counters into the task and returns a snapshot when
// the percentage moved. Progress never goes backwards.
func (t *task) onProgress(written, expected int64) (data.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != data.StatusRunning {
		return data.State{}, false
	}
	t.written, t.expected = written, expected
	pct := max(percent(written, expected), t.progress)
	if t.emitted && pct == t.progress {
		return data.State{}, false
	}
	t.progress = pct
	t.emitted = true
	return data.State{Progress: pct, Source: t.source}, true
}

// onTransportComplete finalizes the task from the transport's terminal
// event, placing the file when the transfer succeeded.
func (t *task) onTransportComplete(ev downloader.Event, pl Placer) result {
	t.mu.Lock()
	cancelling := t.status == data.StatusCancelling
	if ev.Progress != nil {
		t.written, t.expected = ev.Progress.Completed, ev.Progress.Total
	}
	t.mu.Unlock()

	res := result{}
	pct := -1 // keep last emitted
	switch {
	case ev.Type == downloader.EventComplete && cancelling:
		_ = os.Remove(ev.TempPath)
		res.outcome = data.OutcomeCancelled
	case ev.Type == downloader.EventComplete:
		if err := pl.Place(ev.TempPath, t.target); err != nil {
			res.outcome, res.err = data.OutcomePlacementFailed, err
			pct = 0
		} else {
			res.outcome = data.OutcomeComplete
			if ev.Progress != nil {
				pct = percent(ev.Progress.Completed, ev.Progress.Total)
			} else {
				pct = 100
			}
		}
	case ev.Type == downloader.EventCancelled:
		res.outcome = data.OutcomeCancelled
	default:
		res.outcome, res.err = data.OutcomeFailed, ev.Err
		if res.err == nil {
			res.err = errors.New("transport failed without a cause")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if pct >= 0 {
		t.progress = pct
	}
	t.status = data.StatusFinished
	res.state = data.State{Progress: t.progress, Completed: true, Source: t.source}
	return res
}

func (t *task) snapshot() *data.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &data.Task{
		ID:            t.id,
		Source:        t.source,
		TargetPath:    t.target,
		Status:        t.status,
		BytesWritten:  t.written,
		BytesExpected: t.expected,
		Progress:      t.progress,
		CreatedAt:     t.createdAt,
	}
}

func (t *task) runningSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// percent is floor(written*100/expected) clamped to [0,100], or 100 when the
// size is unknown.
func percent(written, expected int64) int {
	if expected <= 0 {
		return 100
	}
	p := written * 100 / expected
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}
