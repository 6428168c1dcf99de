package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Classmate/internal/app/orch"
	"github.com/dkeye/Classmate/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the sessions and session_members tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer storage.NewStore(db).Close()
		if err := storage.Migrate(db); err != nil {
			return err
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("migrations applied")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Prune memberships older than lifecycle.member_ttl once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Lifecycle.MemberTTL <= 0 {
			return fmt.Errorf("sweep: lifecycle.member_ttl is not set")
		}
		db, err := storage.Open(cfg.Database)
		if err != nil {
			return err
		}
		repo := storage.NewStore(db)
		defer repo.Close()

		o := orch.New(cfg, repo, nil, nil, nil)
		pruned, closed, err := o.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d memberships, closed %d sessions\n", pruned, closed)
		return nil
	},
}
