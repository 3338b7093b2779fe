package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinoosan/fetchd/internal/config"
	"github.com/tinoosan/fetchd/internal/data"
	"github.com/tinoosan/fetchd/internal/fp"
	"github.com/tinoosan/fetchd/internal/logging"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))  // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
)

type pair struct {
	source string
	target string
}

// parsePairs splits URL=PATH arguments at the last '=' so query strings
// survive.
func parsePairs(args []string) ([]pair, error) {
	out := make([]pair, 0, len(args))
	for _, a := range args {
		i := strings.LastIndex(a, "=")
		if i <= 0 || i == len(a)-1 {
			return nil, fmt.Errorf("expected URL=PATH, got %q", a)
		}
		out = append(out, pair{source: a[:i], target: a[i+1:]})
	}
	return out, nil
}

func newGetCmd(load func() (config.Config, error)) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "get URL=PATH [URL=PATH...]",
		Short: "Download files and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			level := "warn"
			if verbose {
				level = "debug"
			}
			log, logCloser, err := logging.Stderr(logging.Options{Format: cfg.LogFormat, Level: level, File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
			if err != nil {
				return err
			}
			defer logCloser.Close()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			failed, err := runGet(ctx, a, pairs, cmd.OutOrStdout())
			shutdown := a.reg.Shutdown(context.Background())
			if err != nil {
				return err
			}
			if shutdown != nil {
				return shutdown
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", failed, len(pairs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log registry activity to stderr")
	return cmd
}

// runGet starts every pair, prints progress as it arrives and returns the
// number of downloads that did not succeed. ctx cancellation cancels all of
// them.
func runGet(ctx context.Context, a *app, pairs []pair, out io.Writer) (int, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	targets := make(map[string]string, len(pairs))

	cb := func(st data.State) {
		if !st.Completed {
			fmt.Fprintln(out, pendingStyle.Render(fmt.Sprintf("%3d%%", st.Progress)), debugStyle.Render(st.Source))
			return
		}
		defer wg.Done()
		mu.Lock()
		target := targets[st.Source]
		mu.Unlock()
		if st.Succeeded() {
			size := ""
			if fi, err := os.Stat(target); err == nil {
				size = humanize.Bytes(uint64(fi.Size()))
			}
			fmt.Fprintln(out, successStyle.Render("done"), st.Source, "->", target, debugStyle.Render(size))
			return
		}
		mu.Lock()
		failed++
		mu.Unlock()
		fmt.Fprintln(out, errorStyle.Render("failed"), st.Source, debugStyle.Render(fmt.Sprintf("at %d%%", st.Progress)))
	}

	var startErr error
	started := make([]string, 0, len(pairs))
	for _, p := range pairs {
		key := p.source
		if src, err := fp.NormalizeSource(p.source); err == nil {
			key = src
		}
		mu.Lock()
		if _, dup := targets[key]; !dup {
			targets[key] = p.target
		}
		mu.Unlock()

		wg.Add(1)
		existing, err := a.reg.Start(context.Background(), p.source, p.target, cb)
		if err != nil {
			wg.Done()
			startErr = fmt.Errorf("%s: %w", p.source, err)
			break
		}
		if existing {
			// Duplicate URL on the command line: one download, one callback.
			wg.Done()
			continue
		}
		started = append(started, p.source)
	}
	if startErr != nil {
		for _, s := range started {
			a.reg.Cancel(s)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, s := range started {
			a.reg.Cancel(s)
		}
		<-done
	}
	if startErr != nil {
		return failed, startErr
	}

	mu.Lock()
	defer mu.Unlock()
	return failed, nil
}
