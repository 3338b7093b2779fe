package downloader

import (
	"context"
	"errors"
)

// ErrCancelled is the cancellation cause used when a download is aborted on
// request. Transports report EventCancelled for it.
var ErrCancelled = errors.New("download cancelled")

// Transport performs a single download of source into a private temporary
// file. Progress is published through rep while the body streams in.
//
// Fetch returns exactly one terminal event: EventComplete carrying the temp
// file path, EventFailed carrying the cause, or EventCancelled once ctx is
// done. On any non-complete outcome the temp file has already been removed.
type Transport interface {
	Fetch(ctx context.Context, source string, rep Reporter) Event
}

// TransportFunc adapts a plain function to a Transport.
type TransportFunc func(ctx context.Context, source string, rep Reporter) Event

func (f TransportFunc) Fetch(ctx context.Context, source string, rep Reporter) Event {
	return f(ctx, source, rep)
}
