package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinoosan/fetchd/internal/config"
	"github.com/tinoosan/fetchd/internal/downloader/httpdl"
	"github.com/tinoosan/fetchd/internal/placement"
	"github.com/tinoosan/fetchd/internal/repo"
	"github.com/tinoosan/fetchd/internal/service"
)

// app bundles what both commands need.
type app struct {
	reg     *service.Registry
	history repo.HistoryRepo
	closers []io.Closer
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	switch cfg.History {
	case "postgres":
		pg, err := repo.NewPostgresHistory(repo.PostgresDSNFromEnv())
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.history = pg
		a.closers = append(a.closers, pg)
	default:
		a.history = repo.NewInMemoryHistoryRepo(cfg.HistoryLimit)
	}

	tr := httpdl.New(httpdl.Options{
		TempDir:        cfg.TempDir,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		UserAgent:      cfg.UserAgent,
	})
	tr.SetLogger(log)

	a.reg = service.NewRegistry(tr, placement.New(log), service.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		History:       a.history,
		Logger:        log,
	})
	return a, nil
}
