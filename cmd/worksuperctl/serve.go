package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenwick-run/worksupervisor/internal/bridge"
	"github.com/fenwick-run/worksupervisor/internal/controlserver"
	"github.com/fenwick-run/worksupervisor/internal/supervisor"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listenAddr       string
		workerCommand    string
		workerArgs       []string
		workerDir        string
		heartbeatSeconds int
		maxMisses        int
		restartWindowMin int
		maxRestarts      int
		autoStart        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its HTTP control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerCommand == "" {
				return fmt.Errorf("--worker-command is required")
			}
			logger := newLogger(opts.LogLevel)

			cfg := supervisor.Config{
				Command:             workerCommand,
				Args:                workerArgs,
				Dir:                 workerDir,
				HeartbeatInterval:   time.Duration(heartbeatSeconds) * time.Second,
				MaxMisses:           maxMisses,
				RestartWindow:       time.Duration(restartWindowMin) * time.Minute,
				MaxRestartsInWindow: maxRestarts,
			}

			bus := bridge.NewLoggingBridge(bridge.NewBus(), logger)
			sup := supervisor.New(cfg, bus, supervisor.WithLogger(logger))

			if autoStart {
				if err := sup.Start(); err != nil {
					return fmt.Errorf("start worker: %w", err)
				}
			}

			srv := controlserver.New(sup)
			httpServer := &http.Server{Addr: listenAddr, Handler: srv.Handler()}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("control server listening", "addr", listenAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", "signal", sig.String())
			case err := <-errCh:
				logger.Error("control server failed", "error", err)
			}

			sup.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", envOrDefault("WORKSUPER_LISTEN", "127.0.0.1:8761"), "Address the control server listens on")
	cmd.Flags().StringVar(&workerCommand, "worker-command", envOrDefault("WORKSUPER_WORKER_COMMAND", ""), "Path to the worker executable")
	cmd.Flags().StringSliceVar(&workerArgs, "worker-arg", nil, "Argument to pass to the worker (repeatable)")
	cmd.Flags().StringVar(&workerDir, "worker-dir", "", "Working directory for the worker process")
	cmd.Flags().IntVar(&heartbeatSeconds, "heartbeat-seconds", envInt("WORKSUPER_HEARTBEAT_SECONDS", 2), "Heartbeat interval in seconds")
	cmd.Flags().IntVar(&maxMisses, "max-misses", envInt("WORKSUPER_MAX_MISSES", 3), "Missed heartbeats before restart")
	cmd.Flags().IntVar(&restartWindowMin, "restart-window-minutes", envInt("WORKSUPER_RESTART_WINDOW_MINUTES", 10), "Rolling restart window in minutes")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", envInt("WORKSUPER_MAX_RESTARTS", 5), "Max restarts inside the window before tripping the breaker")
	cmd.Flags().BoolVar(&autoStart, "auto-start", true, "Start the worker immediately")

	return cmd
}
