package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher() *Dispatcher {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcher_RunsInOrder(t *testing.T) {
	d := newTestDispatcher()
	d.Run()

	const n = 500
	var got []int
	for i := 0; i < n; i++ {
		i := i
		d.Submit(func() { got = append(got, i) })
	}
	d.Stop()

	if len(got) != n {
		t.Fatalf("expected %d deliveries got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery %d out of order: %d", i, v)
		}
	}
}

func TestDispatcher_NeverConcurrent(t *testing.T) {
	d := newTestDispatcher()
	d.Run()

	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.Submit(func() {
					cur := atomic.AddInt32(&inFlight, 1)
					if cur > atomic.LoadInt32(&maxSeen) {
						atomic.StoreInt32(&maxSeen, cur)
					}
					time.Sleep(10 * time.Microsecond)
					atomic.AddInt32(&inFlight, -1)
				})
			}
		}()
	}
	wg.Wait()
	d.Stop()

	if maxSeen != 1 {
		t.Fatalf("callbacks overlapped: max in flight %d", maxSeen)
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := newTestDispatcher()
	d.Run()

	ran := false
	d.Submit(func() { panic("boom") })
	d.Submit(func() { ran = true })
	d.Stop()

	if !ran {
		t.Fatalf("callback after a panic did not run")
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	d := newTestDispatcher()
	d.Run()
	d.Stop()
	d.Stop()

	if d.Submit(func() {}) {
		t.Fatalf("Submit accepted work after Stop")
	}
}
