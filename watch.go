package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rashberry/rashberry-cli/internal/transfer"
	"github.com/rashberry/rashberry-cli/internal/watch"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Upload files as they appear in a directory",
		Long: `Watch DIR and upload every matching file once it has stopped changing.

Files are matched by extension ([watch] extensions in the config file) and
must be quiet for the settle time before they are uploaded. Files that were
already uploaded with the same content are skipped. Only one watch runs per
data directory.

Examples:
  rashberry watch ~/Videos/exports
  rashberry watch --existing --metrics-addr 127.0.0.1:9464 /srv/drop`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (default from config)")
	cmd.Flags().Bool("existing", false, "also upload files already in DIR")
	cmd.Flags().Int("parallel", 0, "files uploaded concurrently (default from config)")
	cmd.Flags().Int("retries", 0, "resume attempts after a failed chunk (default from config)")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[0], err)
	}

	existing, err := cmd.Flags().GetBool("existing")
	if err != nil {
		return err
	}

	metricsAddr := cc.Cfg.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		if metricsAddr, err = cmd.Flags().GetString("metrics-addr"); err != nil {
			return err
		}
	}

	lock, err := acquireWatchLock(cc.Cfg.PIDPath, dir)
	if err != nil {
		return err
	}
	defer lock.Release()

	client, err := newUploadClient(cc)
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd.Context(), logger)
	defer stop()

	store := openLedger(ctx, cc)
	if store != nil {
		defer store.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := transfer.NewMetrics(reg)

	if metricsAddr != "" {
		_, stop, srvErr := serveMetrics(metricsAddr, reg, logger)
		if srvErr != nil {
			return srvErr
		}
		defer stop()
	}

	mgr := transfer.NewManager(client, store, metrics, logger)
	w := watch.New(dir, watch.Options{
		Settle:     cc.Cfg.SettleTime,
		Extensions: cc.Cfg.Extensions,
		Existing:   existing,
	}, logger)

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", dir)

	return watchAndUpload(ctx, w, mgr, cc, logger)
}

// watchAndUpload feeds settled files to the manager until ctx is canceled.
// Upload failures are logged and do not stop the watch.
func watchAndUpload(ctx context.Context, w *watch.Watcher, mgr *transfer.Manager, cc *CLIContext, logger *slog.Logger) error {
	files := make(chan string)
	watchErr := make(chan error, 1)

	go func() {
		defer close(files)
		watchErr <- w.Run(ctx, files)
	}()

	uploadSettled(ctx, files, mgr, cc, logger)

	return <-watchErr
}

// uploadSettled uploads every path received on files until the channel is
// closed. A path that settles again while its upload is running is not
// started twice: it is rechecked once the running upload ends, and the
// ledger skips it if the content did not change.
func uploadSettled(ctx context.Context, files <-chan string, mgr *transfer.Manager, cc *CLIContext, logger *slog.Logger) {
	opts := transfer.Options{
		SkipCompleted: true,
		Retries:       cc.Cfg.Retries,
	}

	var (
		mu sync.Mutex
		// active maps an uploading path to whether it settled again meanwhile.
		active = make(map[string]bool)
	)

	var g errgroup.Group
	g.SetLimit(max(cc.Cfg.ParallelUploads, 1))

	for path := range files {
		mu.Lock()
		if _, busy := active[path]; busy {
			active[path] = true
			mu.Unlock()
			logger.Debug("upload in progress, rechecking after it ends", slog.String("path", path))

			continue
		}

		active[path] = false
		mu.Unlock()

		g.Go(func() error {
			for {
				uploadOne(ctx, path, mgr, cc, logger, opts)

				mu.Lock()
				again := active[path] && ctx.Err() == nil
				if !again {
					delete(active, path)
					mu.Unlock()

					return nil
				}

				active[path] = false
				mu.Unlock()
			}
		})
	}

	_ = g.Wait() //nolint:errcheck // uploads never return errors to the group
}

func uploadOne(ctx context.Context, path string, mgr *transfer.Manager, cc *CLIContext, logger *slog.Logger, opts transfer.Options) {
	res, err := mgr.UploadFile(ctx, path, opts)

	switch {
	case err != nil && ctx.Err() != nil:
		// Interrupted by shutdown; the ledger holds the resume point.
	case err != nil:
		logger.Error("upload failed", slog.String("path", path), slog.String("error", err.Error()))
	case !res.Skipped:
		cc.Statusf("%s -> %s\n", filepath.Base(path), res.Location)
	}
}

// serveMetrics starts the /metrics endpoint in the background and returns
// the bound address and a function that shuts the server down.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (string, func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	bound := ln.Addr().String()
	logger.Info("serving metrics", slog.String("addr", bound))

	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("stopping metrics server", slog.String("error", err.Error()))
		}
	}, nil
}
