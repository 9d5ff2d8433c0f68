package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/perbu/harreplay/pkg/topology"
	"github.com/perbu/harreplay/pkg/trace"
)

func newTopologyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology <trace.har>",
		Short: "Print the server instances and host records of a trace",
		Example: `
  # List instances and hosts
  harreplay topology site.har

  # Serve the first instance on its own
  harreplay topology site.har --assignment 0 | harreplay instance`,
		Args: cobra.ExactArgs(1),
		RunE: runTopology,
	}
	flags := cmd.Flags()
	flags.Bool("json", false, "print the cluster summary as JSON")
	flags.Bool("hosts", false, "print only host records")
	flags.Int("assignment", -1, "print the assignment of the instance at this position as JSON")
	cmd.MarkFlagsMutuallyExclusive("json", "hosts", "assignment")
	return cmd
}

func runTopology(cmd *cobra.Command, args []string) error {
	tr, err := trace.LoadFile(args[0])
	if err != nil {
		return err
	}
	top := topology.Build(tr.Entries)
	out := cmd.OutOrStdout()
	flags := cmd.Flags()

	if asJSON, _ := flags.GetBool("json"); asJSON {
		return writeIndentedJSON(out, top.Summary())
	}
	if hostsOnly, _ := flags.GetBool("hosts"); hostsOnly {
		return top.WriteHosts(out)
	}
	if n, _ := flags.GetInt("assignment"); flags.Changed("assignment") {
		clusters := top.Clusters()
		if n < 0 || n >= len(clusters) {
			return fmt.Errorf("assignment %d out of range, trace has %d instances", n, len(clusters))
		}
		return writeIndentedJSON(out, clusters[n].Assignment())
	}

	fmt.Fprintf(out, "%s entries, %d skipped, %d instances\n",
		humanize.Comma(int64(len(tr.Entries))), tr.Skipped, len(top.Clusters()))
	for i, s := range top.Summary() {
		fmt.Fprintf(out, "\ninstance %d: %d entries\n", i, s.Entries)
		fmt.Fprintf(out, "  ips:     %s\n", strings.Join(s.IPs, " "))
		fmt.Fprintf(out, "  origins: %s\n", strings.Join(s.Origins, " "))
	}
	fmt.Fprintln(out, "\nhosts:")
	return top.WriteHosts(out)
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
