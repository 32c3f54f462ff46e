package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("entities", "e", "", "Comma-separated entities")
	cmd.Flags().Float64P("valence", "v", 0, "Emotional valence in [-1, 1]")
	cmd.Flags().StringP("type", "t", string(model.DefaultMemoryType), "Memory type: Interaction, Reflection, Curiosity, EmotionalState, WisdomTransformation, ExistentialReflection")
	cmd.Flags().String("source", string(model.DirectExperience), "Source: DirectExperience, CuriosityLookup, ConstitutionalEvent, InternalSynthesis")
	cmd.Flags().String("query", "", "Lookup query (CuriosityLookup)")
	cmd.Flags().String("origin", "", "Lookup origin (CuriosityLookup)")
	cmd.Flags().Float64("confidence", 1, "Confidence in [0, 1]")
	cmd.Flags().String("link", "", "Comma-separated ids to connect to")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	entities, _ := cmd.Flags().GetString("entities")
	valence, _ := cmd.Flags().GetFloat64("valence")
	memType, _ := cmd.Flags().GetString("type")
	sourceKind, _ := cmd.Flags().GetString("source")
	query, _ := cmd.Flags().GetString("query")
	origin, _ := cmd.Flags().GetString("origin")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	links, _ := cmd.Flags().GetString("link")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	if strings.TrimSpace(content) == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	source := model.Source{Kind: model.SourceKind(sourceKind)}
	if source.Kind == model.CuriosityLookup {
		now := time.Now().UTC()
		source.Query, source.Origin, source.At = query, origin, &now
	}

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	id, err := m.Create(cmd.Context(), memory.CreateRequest{
		Content:          strings.TrimSpace(content),
		Entities:         splitList(entities),
		EmotionalValence: valence,
		MemoryType:       model.MemoryType(memType),
		Source:           source,
		Confidence:       &confidence,
		Connections:      splitList(links),
	})
	if err != nil {
		exitErr("put", err)
	}

	r, _, err := m.Get(cmd.Context(), id)
	if err != nil {
		exitErr("get", err)
	}
	printJSON(r)
}
