package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the scans, analyses and scan_errors tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer st.close()

		if err := st.migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
		return nil
	},
}
