// Package main implements the command-line interface from section 6: a
// `backup` and a `restore` subcommand sharing a `--config` flag, mapping
// the error taxonomy to the process exit codes section 6 specifies.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "btrfs-to-s3",
		Short:         "Snapshot, stream, and restore Btrfs subvolumes against S3-compatible storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBackupCmd())
	root.AddCommand(newRestoreCmd())
	return root
}

func fail(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	return err
}
