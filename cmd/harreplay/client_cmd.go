package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perbu/harreplay/pkg/client"
	"github.com/perbu/harreplay/pkg/config"
)

// addControlFlag registers the control surface address flag.
func addControlFlag(cmd *cobra.Command) {
	cmd.Flags().String("control", "", "control surface address (default from HARREPLAY_CONTROL_ADDR or 127.0.0.1:8000)")
}

func controlClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("control")
	if addr == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		addr = cfg.ControlAddr
	}
	return client.New(addr, nil), nil
}

func newInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <trace.har>",
		Short: "Upload a trace to a running server, replacing the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.InstallFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %d entries (%d skipped) on %d instances, epoch %s\n",
				st.Entries, st.Skipped, len(st.Clusters), st.Epoch)
			return err
		},
	}
	addControlFlag(cmd)
	return cmd
}

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Rewind the replay on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			epoch, err := c.Reset(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset, epoch %s\n", epoch)
			return err
		},
	}
	addControlFlag(cmd)
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the instances and listeners of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeIndentedJSON(cmd.OutOrStdout(), st)
		},
	}
	addControlFlag(cmd)
	return cmd
}
