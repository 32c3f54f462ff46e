package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every memory of both tiers as JSON",
		Run:   runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	cmd.Flags().Bool("active-only", false, "Skip the archive")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")
	activeOnly, _ := cmd.Flags().GetBool("active-only")

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	var v any
	if activeOnly {
		v, err = m.Store().ExportAll(cmd.Context())
	} else {
		v, err = m.Export(cmd.Context())
	}
	if err != nil {
		exitErr("export", err)
	}

	b, _ := json.MarshalIndent(v, "", "  ")
	if output == "" {
		fmt.Println(string(b))
		return
	}
	if err := os.WriteFile(output, append(b, '\n'), 0o644); err != nil {
		exitErr("write export", err)
	}
	fmt.Printf(`{"ok":true,"output":%q}`+"\n", output)
}
