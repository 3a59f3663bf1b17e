package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the QueryDeck CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "querydeck",
		Short: "QueryDeck - database client plugin host",
		Long: `QueryDeck hosts sandboxed Lua and JavaScript plugins that extend
the database client with query hooks, commands, and notifications.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPluginsCmd())

	return cmd
}
