package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devicehive/notifyhub/cmd/notifyhubd/tracelog"
)

func logCmd() *cobra.Command {
	var opts tracelog.Options

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read protocol trace files",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.SessionID, "session", "", "only events of this session")
	pf.StringVar(&opts.DeviceID, "device", "", "only events for this device")
	pf.StringVar(&opts.Action, "action", "", "only messages with this action")
	pf.StringVar(&opts.Layer, "layer", "", "layer: transport, wire, service")
	pf.StringVar(&opts.Direction, "direction", "", "direction: in, out")
	pf.StringVar(&opts.Category, "category", "", "category: message, state, error")
	pf.StringVar(&opts.TimeStart, "since", "", "events at or after this RFC3339 time")
	pf.StringVar(&opts.TimeEnd, "until", "", "events at or before this RFC3339 time")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "view <file>",
			Short: "Print events in human readable form",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return tracelog.RunView(args[0], opts, cmd.OutOrStdout())
			},
		},
		logExportCmd(&opts),
		logFilterCmd(&opts),
		&cobra.Command{
			Use:   "stats <file>",
			Short: "Summarize a trace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return tracelog.RunStats(args[0], opts, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func logExportCmd(opts *tracelog.Options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export events as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tracelog.RunExport(args[0], format, *opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "export format: jsonl|csv")
	return cmd
}

func logFilterCmd(opts *tracelog.Options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "filter <file>",
		Short: "Copy matching events to a new trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("--out is required")
			}
			n, err := tracelog.RunFilter(args[0], output, *opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "out", "", "output trace file")
	return cmd
}
