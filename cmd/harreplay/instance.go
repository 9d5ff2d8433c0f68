package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perbu/harreplay/pkg/events"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/replay"
	"github.com/perbu/harreplay/pkg/topology"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Serve one instance from an assignment read on stdin",
		Long: `Serve one server instance on its own. The assignment is the JSON printed
by "harreplay topology --assignment N". The in-band reset route only resets
this instance.`,
		Args: cobra.NoArgs,
		RunE: runInstance,
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func runInstance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger(cmd, cmd.ErrOrStderr())

	var assignment topology.Assignment
	if err := json.NewDecoder(cmd.InOrStdin()).Decode(&assignment); err != nil {
		return fmt.Errorf("reading assignment: %w", err)
	}
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
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
	bindings, err := f.Apply(ctx, topology.Build(assignment.Entries))
	if err != nil {
		return fmt.Errorf("applying fabric: %w", err)
	}
	defer func() {
		if err := f.Teardown(ctx); err != nil {
			logger.Warn("Failed to tear down fabric", "error", err)
		}
	}()

	d, err := replay.New(replay.Config{
		Assignment:  assignment,
		Bindings:    bindings,
		Provisioner: provisioner,
		HTTP2:       cfg.HTTP2,
		Logger:      logger,
		Metrics:     m,
		Broker:      b,
	})
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Close()

	for id, addr := range d.Addrs() {
		logger.Info("Listening", "identity", id, "addr", addr)
	}
	<-ctx.Done()
	return nil
}
