package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon/internal/archive"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/store/postgres"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the full event log as JSONL to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		return archive.ExportJSONL(cmd.Context(), store, os.Stdout)
	},
}
