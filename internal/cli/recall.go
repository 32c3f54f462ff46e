package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall memories by entity across both tiers",
		Run:   runRecall,
	}

	cmd.Flags().StringP("entities", "e", "", "Comma-separated entities (required)")
	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().Bool("scores", false, "Include score, tier and match count")

	cmd.MarkFlagRequired("entities")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	entities, _ := cmd.Flags().GetString("entities")
	limit, _ := cmd.Flags().GetInt("limit")
	scores, _ := cmd.Flags().GetBool("scores")

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	hits, err := m.Recall(cmd.Context(), splitList(entities), limit)
	if err != nil {
		exitErr("recall", err)
	}

	if formatFlag == "text" {
		for _, h := range hits {
			fmt.Printf("%.3f  %-7s  %s  %s\n", h.Score, h.Tier, h.Record.ID, firstLine(h.Record.Content))
		}
		return
	}
	if scores {
		printJSON(hits)
		return
	}
	records := make([]any, len(hits))
	for i, h := range hits {
		records[i] = h.Record
	}
	printJSON(records)
}
