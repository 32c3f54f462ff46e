package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/model"
	"github.com/rcliao/tiermem/internal/recall"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory from either tier",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	r, tier, err := m.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}

	linkedFrom, err := m.Store().Connected(cmd.Context(), r.ID)
	if err != nil {
		exitErr("get links", err)
	}

	printJSON(struct {
		model.Record
		Tier       recall.Tier `json:"tier"`
		LinkedFrom []string    `json:"linked_from,omitempty"`
	}{r, tier, linkedFrom})
}
