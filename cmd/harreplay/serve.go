package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/perbu/harreplay/pkg/control"
	"github.com/perbu/harreplay/pkg/environment"
	"github.com/perbu/harreplay/pkg/events"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/trace"
	"github.com/perbu/harreplay/pkg/tracewatch"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control surface and replay installed traces",
		Example: `
  # Replay a capture on loopback and reinstall it when it changes
  harreplay serve --listen-mode loopback --trace site.har --watch

  # Bind the recorded addresses; upload traces with "harreplay install"
  harreplay serve -c harreplay.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	addConfigFlags(cmd.Flags())
	flags := cmd.Flags()
	flags.String("control-addr", "", "control surface listen address")
	flags.String("trace", "", "trace file to install at startup")
	flags.Bool("watch", false, "reinstall the trace file when it changes")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger(cmd, cmd.OutOrStdout())

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("control-addr") {
		cfg.ControlAddr, _ = flags.GetString("control-addr")
	}
	if flags.Changed("trace") {
		cfg.TraceFile, _ = flags.GetString("trace")
	}
	if flags.Changed("watch") {
		cfg.Watch, _ = flags.GetBool("watch")
	}
	if cfg.Watch && cfg.TraceFile == "" {
		return fmt.Errorf("--watch requires a trace file")
	}

	m := metrics.New()
	b := events.NewBroker()
	if err := events.NewLog(b, logger).Start(); err != nil {
		return fmt.Errorf("starting event log: %w", err)
	}

	provisioner, closer, err := newProvisioner(cfg, logger, m)
	if err != nil {
		return err
	}
	defer closer.Close()

	f, err := newFabric(cfg, logger)
	if err != nil {
		return err
	}
	env, err := environment.New(environment.Config{
		Fabric:      f,
		Provisioner: provisioner,
		HTTP2:       cfg.HTTP2,
		Logger:      logger,
		Metrics:     m,
		Broker:      b,
	})
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}
	defer env.Close(context.Background())

	ctl, err := control.New(control.Config{
		Env:          env,
		MaxTraceSize: cfg.MaxTraceBytes,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("creating control surface: %w", err)
	}
	if _, err := ctl.Start(cfg.ControlAddr); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctl.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Control surface shutdown failed", "error", err)
		}
	}()

	install := func(ctx context.Context, path string) error {
		return env.InstallFile(ctx, path, trace.WithMaxSize(cfg.MaxTraceBytes))
	}
	if cfg.TraceFile != "" {
		if err := install(ctx, cfg.TraceFile); err != nil {
			return err
		}
		env.LogSummary()
	}
	if cfg.Watch {
		w, err := tracewatch.New(tracewatch.Config{
			Path:     cfg.TraceFile,
			OnChange: install,
			Logger:   logger,
			Broker:   b,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("Trace watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
