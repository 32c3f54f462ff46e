package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check index and archive consistency",
		Long:  "Check the active entity index, the archive catalog against the partitions, and that no id is in both tiers. Exits 1 on problems.",
		Run:   runVerify,
	}

	cmd.Flags().Bool("repair", false, "Rebuild both indexes and finish interrupted archival before checking")

	RootCmd.AddCommand(cmd)
}

func runVerify(cmd *cobra.Command, args []string) {
	repair, _ := cmd.Flags().GetBool("repair")

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	ctx := cmd.Context()
	if repair {
		if err := m.Store().RebuildIndex(ctx); err != nil {
			exitErr("rebuild active index", err)
		}
		if _, err := m.Index().Rebuild(ctx, m.Content(), cfg.Archive.PreviewLen); err != nil {
			exitErr("rebuild archive index", err)
		}
		if _, err := m.Maintain(ctx); err != nil {
			exitErr("maintain", err)
		}
	}

	rep, err := m.Verify(ctx)
	if err != nil {
		exitErr("verify", err)
	}
	printJSON(rep)
	if !rep.OK() {
		exitErr("verify", fmt.Errorf("inconsistencies found"))
	}
}
