package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"replybot/internal/state"
)

func overridesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overrides",
		Short: "Manage per-guild decision overrides",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import guild overrides from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guilds, err := state.LoadOverridesFile(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.ImportOverrides(context.Background(), guilds)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			logger.Info("guild overrides imported", "file", args[0], "guilds", len(ids))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [guild]",
		Short: "Show stored overrides (all guilds when none is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if len(args) == 1 {
				ov, err := store.FetchGuildDecisionOverrides(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ov)
			}
			all, err := store.ListGuildOverrides(ctx)
			if err != nil {
				return err
			}
			return printJSON(all)
		},
	})

	return cmd
}
