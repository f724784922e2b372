package main

import (
	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/store"
	"github.com/spf13/cobra"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run vocabulary and audit database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return store.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
