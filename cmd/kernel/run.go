package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
	"github.com/oriys/kernel/internal/kernel/kobservability"
	"github.com/oriys/kernel/internal/kernel/runtimebuilder"
	"github.com/oriys/kernel/internal/kernel/runtimeconfig"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build and run the kernel against a configuration document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}
			klog.SetLevelFromString(logLevel)

			cfg, err := runtimeconfig.Load(configFile)
			if err != nil {
				return err
			}

			if cfg.Runtime.Observability.Metrics.Enabled {
				namespace := cfg.Runtime.Observability.Metrics.Namespace
				if namespace == "" {
					namespace = "kernel"
				}
				kmetrics.Init(namespace)

				if addr := cfg.Runtime.Observability.Metrics.ListenAddr; addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", kmetrics.Handler())
					mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
						w.WriteHeader(http.StatusOK)
						_, _ = w.Write([]byte(`{"status":"ok","service":"kernel"}`))
					})
					httpServer := &http.Server{Addr: addr, Handler: mux}
					go func() {
						klog.Op().Info("kernel_metrics_listener_started", "addr", addr)
						if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							klog.Op().Error("kernel_metrics_listener_error", "error", err)
						}
					}()
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			art, err := runtimebuilder.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer art.Close()
			klog.Op().Info("kernel_runtime_built", "scenario", cfg.Scenario.Name, "tracing_enabled", kobservability.TracingEnabled())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				klog.Op().Info("kernel_run_interrupted", "scenario", cfg.Scenario.Name)
				cancel()
			}()

			runID := fmt.Sprintf("run-%d", time.Now().UnixMilli())
			if err := runtimebuilder.RunSources(ctx, art, runID); err != nil {
				return fmt.Errorf("run sources: %w", err)
			}

			klog.Op().Info("kernel_run_completed", "scenario", cfg.Scenario.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
