package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest active memories",
		Run:   runList,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("ids-only", false, "Only output ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	records, err := m.Store().Recent(cmd.Context(), limit)
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, r := range records {
			fmt.Println(r.ID)
		}
		return
	}
	if formatFlag == "text" {
		for _, r := range records {
			fmt.Printf("%s  %s  [%s]  %s\n", r.ID, r.Timestamp.Format("2006-01-02 15:04"),
				strings.Join(r.Entities, ", "), firstLine(r.Content))
		}
		return
	}

	printJSON(records)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
