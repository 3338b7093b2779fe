package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tinoosan/fetchd/internal/downloader"
	"github.com/tinoosan/fetchd/internal/metrics"
)

const bufferSize = 32 * 1024

var (
	ErrIdleTimeout = errors.New("httpdl: no data received within read timeout")
	ErrNotFound    = errors.New("httpdl: resource not found")
	ErrForbidden   = errors.New("httpdl: access forbidden")
	ErrServerError = errors.New("httpdl: server error")
)

// Options configures the HTTP transport.
type Options struct {
	// TempDir holds in-flight downloads. Default: os.TempDir().
	TempDir string

	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 10s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers and the gap between
	// two body reads.
	// Default: 10s
	ReadTimeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		TempDir:        os.TempDir(),
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		UserAgent:      "fetchd",
	}
}

// Transport implements downloader.Transport with a streaming HTTP GET.
type Transport struct {
	client *http.Client
	opts   Options
	log    *slog.Logger
}

var _ downloader.Transport = (*Transport)(nil)

// New creates a Transport. Zero option values fall back to DefaultOptions.
func New(opts Options) *Transport {
	def := DefaultOptions()
	if opts.TempDir == "" {
		opts.TempDir = def.TempDir
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
		DisableCompression:    true, // byte counts must match Content-Length
	}

	return &Transport{
		client: &http.Client{Transport: transport},
		opts:   opts,
		log:    slog.Default(),
	}
}

// SetLogger allows wiring a shared application logger into the transport.
func (t *Transport) SetLogger(l *slog.Logger) {
	if l != nil {
		t.log = l
	}
}

// Fetch implements downloader.Transport.
func (t *Transport) Fetch(ctx context.Context, source string, rep downloader.Reporter) downloader.Event {
	prog := downloader.Progress{Total: downloader.SizeUnknown}
	tmp, err := t.fetch(ctx, source, rep, &prog)
	last := prog
	if err == nil {
		t.log.Debug("transfer finished", "source", source, "size", humanize.Bytes(uint64(prog.Completed)), "temp", tmp)
		return downloader.Event{Type: downloader.EventComplete, Progress: &last, TempPath: tmp}
	}
	if ctx.Err() != nil {
		t.log.Debug("transfer cancelled", "source", source, "received", humanize.Bytes(uint64(prog.Completed)))
		return downloader.Event{Type: downloader.EventCancelled, Progress: &last}
	}
	t.log.Warn("transfer failed", "source", source, "received", humanize.Bytes(uint64(prog.Completed)), "err", err)
	return downloader.Event{Type: downloader.EventFailed, Progress: &last, Err: err}
}

func (t *Transport) fetch(ctx context.Context, source string, rep downloader.Reporter, prog *downloader.Progress) (string, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return "", err
	}
	prog.Total = resp.ContentLength

	f, err := os.CreateTemp(t.opts.TempDir, "fetchd-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	keep := false
	defer func() {
		if !keep {
			_ = f.Close()
			if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				t.log.Debug("remove temp file", "path", tmp, "err", rmErr)
			}
		}
	}()

	// Abort the request if the body stalls for longer than ReadTimeout.
	idle := time.AfterFunc(t.opts.ReadTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	buf := make([]byte, bufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		idle.Reset(t.opts.ReadTimeout)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write temp file: %w", err)
			}
			prog.Completed += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if rep != nil {
				rep.Report(downloader.Event{
					Type:     downloader.EventProgress,
					Progress: &downloader.Progress{Completed: prog.Completed, Total: prog.Total},
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if cause := context.Cause(reqCtx); errors.Is(cause, ErrIdleTimeout) {
				return "", cause
			}
			return "", fmt.Errorf("read response body: %w", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	keep = true
	return tmp, nil
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return ErrForbidden
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
