// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/plugin"
)

// NewPluginsCmd creates the plugins subcommand group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and validate installed plugins",
	}

	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsValidateCmd())

	return cmd
}

func newPluginsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins found in the plugins directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			m := plugin.NewManager(cfg.PluginsDir, nil)
			discovered, err := m.Discover(context.Background())
			if err != nil {
				return err
			}
			if len(discovered) == 0 {
				cmd.Printf("No plugins found in %s\n", cfg.PluginsDir)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tTYPE\tPERMISSIONS")
			for _, dp := range discovered {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					dp.Manifest.ID,
					dp.Manifest.Name,
					dp.Manifest.Version,
					dp.Manifest.Type,
					len(dp.Manifest.Permissions),
				)
			}
			return w.Flush()
		},
	}

	defaults := config.Default()
	cmd.Flags().String("plugins-dir", defaults.PluginsDir, "plugin installation directory")
	return cmd
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a plugin manifest against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0]) //nolint:gosec // path comes from the CLI argument
			if err != nil {
				return err
			}

			if err := plugin.ValidateSchema(data); err != nil {
				cmd.PrintErrln(plugin.FormatSchemaError(err))
				return err
			}

			manifest, err := plugin.ParseManifest(data)
			if err != nil {
				return err
			}
			if err := manifest.Validate(); err != nil {
				return err
			}

			cmd.Printf("%s is valid (plugin %s v%s)\n", args[0], manifest.ID, manifest.Version)
			return nil
		},
	}
}
