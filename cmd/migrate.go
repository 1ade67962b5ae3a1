package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orcfabric/fabric/internal/config"
)

// migrateCmd wraps the store backends' own Initialize/CheckIntegrity,
// grounded on the teacher's cmd/migrate.go subcommand shape but
// narrowed to match this module's migration model: each Backend embeds
// its own versioned .sql files and applies them forward-only via
// Initialize, so there is no separate down/force/goto step to expose.
func migrateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and check schema integrity",
	}
	c.AddCommand(migrateUpCmd())
	c.AddCommand(migrateCheckCmd())
	return c
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.Initialize(ctx); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func migrateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the store's integrity check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.CheckIntegrity(ctx); err != nil {
				return fmt.Errorf("integrity check failed: %w", err)
			}
			fmt.Println("store integrity: ok")
			return nil
		},
	}
}
