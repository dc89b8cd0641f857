package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/pipeline"
)

func newBackupCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		dryRun     bool
		subvolumes []string
		once       bool
		noS3       bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and upload the configured subvolumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			p, _, err := buildPipeline(ctx, configPath, logLevel)
			if err != nil {
				return fail(cmd, err)
			}

			if err := p.Backup(ctx, pipeline.BackupOptions{
				Once:            once,
				DryRun:          dryRun,
				NoS3:            noS3,
				SubvolumeFilter: subvolumes,
			}); err != nil {
				return fail(cmd, err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file (required, absolute)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warning|error|critical")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the backup plan but take no snapshot and perform no uploads")
	cmd.Flags().StringArrayVar(&subvolumes, "subvolume", nil, "restrict this run to the named subvolume (repeatable)")
	cmd.Flags().BoolVar(&once, "once", false, "ignore the configured schedule and run immediately")
	cmd.Flags().BoolVar(&noS3, "no-s3", false, "snapshot and stream locally but suppress uploads and pointer updates")
	cmd.MarkFlagRequired("config")

	return cmd
}
