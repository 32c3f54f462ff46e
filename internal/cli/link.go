package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link <from-id> <to-id>",
		Short: "Connect one memory to another",
		Long:  "Add a connection from an active memory to any memory id. Connections are never removed.",
		Args:  cobra.ExactArgs(2),
		Run:   runLink,
	}

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	r, err := m.Link(cmd.Context(), args[0], args[1])
	if err != nil {
		exitErr("link", err)
	}
	printJSON(r)
}
