package main

import (
	"github.com/spf13/cobra"
)

const rootUsage = `shellcache serves a web application through an offline-first cache.

Navigations are answered network-first with the cached app shell as the
offline fallback, static assets cache-first, and webfonts from dedicated
font partitions. Each configured version owns its own partitions; stale
ones are removed when a new version activates.`

// globalFlags are shared by every subcommand.
type globalFlags struct {
	config string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:          "shellcache",
		Short:        "offline-first caching proxy for web applications",
		Long:         rootUsage,
		SilenceUsage: true,
		// main prints the error once.
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().String("log-format", "", "log format: text or json")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newServeCmd(&g),
		newVersionCmd(),
	)
	cmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})
	return cmd
}
