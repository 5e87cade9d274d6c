package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/devicehive/notifyhub/pkg/config"
	"github.com/devicehive/notifyhub/pkg/version"
)

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "notifyhubd",
		Short:         "DeviceHive notification hub",
		Version:       version.Build,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(keysCmd())
	root.AddCommand(logCmd())
	return root
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
