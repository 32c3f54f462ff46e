package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/migrate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate <memory_stream.json>",
		Short: "Import a legacy single-file memory collection",
		Long: `Import a legacy collection ({"memories": [...]} or a bare array). The input is
backed up first; the newest records go to the active tier and the rest to monthly
archive partitions. Safe to re-run.`,
		Args: cobra.ExactArgs(1),
		Run:  runMigrate,
	}

	cmd.Flags().String("backup-dir", "", "Backup directory (default: <data>/backup)")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	backupDir, _ := cmd.Flags().GetString("backup-dir")
	if backupDir == "" {
		backupDir = cfg.BackupDir()
	}

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	rep, err := migrate.Run(cmd.Context(), migrate.Options{
		Input:       args[0],
		BackupDir:   backupDir,
		ActiveLimit: cfg.Active.Cap,
		PreviewLen:  cfg.Archive.PreviewLen,
	}, migrate.Targets{
		Active:  m.Store(),
		Content: m.Content(),
		Catalog: m.Index(),
	}, logger.Named("migrate"))
	if err != nil {
		exitErr("migrate", err)
	}
	printJSON(rep)
}
