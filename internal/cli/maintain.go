package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	consolidateCmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge active memories with overlapping entities",
		Run:   runConsolidate,
	}
	consolidateCmd.Flags().Bool("force", false, "Run even if nothing was inserted since the last pass")

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Move the oldest active memories to the archive while over cap",
		Run:   runArchive,
	}

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance cycle: recover, consolidate, archive",
		Run:   runMaintain,
	}

	RootCmd.AddCommand(consolidateCmd, archiveCmd, maintainCmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	if force {
		m.Store().MarkDirty()
	}
	res, err := m.Consolidate(cmd.Context())
	if err != nil {
		exitErr("consolidate", err)
	}
	printJSON(res)
}

func runArchive(cmd *cobra.Command, args []string) {
	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	res, err := m.Archive(cmd.Context())
	if err != nil {
		exitErr("archive", err)
	}
	printJSON(res)
}

func runMaintain(cmd *cobra.Command, args []string) {
	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	rep, err := m.Maintain(cmd.Context())
	printJSON(rep)
	if err != nil {
		exitErr("maintain", err)
	}
}
