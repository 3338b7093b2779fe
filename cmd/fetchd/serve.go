package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	v1 "github.com/tinoosan/fetchd/api/v1"
	"github.com/tinoosan/fetchd/internal/config"
	"github.com/tinoosan/fetchd/internal/logging"
	"github.com/tinoosan/fetchd/internal/metrics"
	"github.com/tinoosan/fetchd/internal/router"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, logCloser, err := logging.New(os.Stdout, logging.Options{
				Format:    cfg.LogFormat,
				Level:     cfg.LogLevel,
				File:      cfg.LogFile,
				MaxSizeMB: cfg.LogMaxSizeMB,
			})
			if err != nil {
				return err
			}
			defer logCloser.Close()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			metrics.Register()
			events := v1.NewEvents(log)
			server := &http.Server{
				Addr:        cfg.Listen,
				Handler:     router.New(log, cfg.APIToken, a.reg, a.history, events),
				IdleTimeout: 120 * time.Second,
				ReadTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				log.Info("starting fetchd API", "addr", server.Addr, "max_concurrent", cfg.MaxConcurrent)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info("graceful shutdown")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				events.Close()
				if err := server.Shutdown(sctx); err != nil {
					log.Error("http shutdown", "err", err)
				}
				return a.reg.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}
