package v1

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinoosan/fetchd/internal/data"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// eventBuffer is how many snapshots a slow client may lag behind before
// snapshots are dropped for it.
const eventBuffer = 64

// Events fans download snapshots out to websocket clients. Publish is used
// as a registry callback, so it never blocks.
type Events struct {
	l      *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[chan data.State]struct{}
}

func NewEvents(l *slog.Logger) *Events {
	ctx, cancel := context.WithCancel(context.Background())
	return &Events{l: l, ctx: ctx, cancel: cancel, subs: make(map[chan data.State]struct{})}
}

// Context is done once the hub is closed. It scopes registry subscriptions
// made on behalf of the hub.
func (e *Events) Context() context.Context { return e.ctx }

// Close disconnects every client and stops accepting snapshots.
func (e *Events) Close() { e.cancel() }

// Len reports the number of connected clients.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Events) Publish(st data.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- st:
		default:
			e.l.Warn("events client lagging, dropping snapshot", "source", st.Source)
		}
	}
}

func (e *Events) subscribe() chan data.State {
	ch := make(chan data.State, eventBuffer)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *Events) unsubscribe(ch chan data.State) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

// ServeHTTP upgrades to a websocket and streams one JSON State per message.
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "closing")

	ch := e.subscribe()
	defer e.unsubscribe(ch)

	// Clients only listen; CloseRead handles their close frames.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case st := <-ch:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c, st)
			cancel()
			if err != nil {
				e.l.Debug("events client write failed", "err", err)
				return
			}
		case <-e.ctx.Done():
			c.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}
