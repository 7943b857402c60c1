package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/visualization"
)

func newViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <scenario>",
		Short: "Render a scenario's hypothesis tree",
		Long: `Render the hypothesis tree with subtrees below their collapse
threshold folded into single aggregate lines. Use
'hindcast branch threshold' to tune what folds, --full to expand
everything, and --dot for Graphviz output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}

			if dot, _ := cmd.Flags().GetBool("dot"); dot {
				full, _ := cmd.Flags().GetBool("full")
				tree, err := env.engine.Snapshot(scenarioID)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), visualization.RenderDOT(tree, args[0], !full))
				return nil
			}

			items, err := env.engine.CollapsedView(scenarioID)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				type line struct {
					BranchID    string  `json:"branch_id"`
					Label       string  `json:"label"`
					Depth       int     `json:"depth"`
					Probability float64 `json:"probability"`
					Aggregate   bool    `json:"aggregate,omitempty"`
					HiddenCount int     `json:"hidden_count,omitempty"`
				}
				lines := make([]line, 0, len(items))
				for _, item := range items {
					lines = append(lines, line{
						BranchID:    item.Node.ID,
						Label:       item.Node.Label,
						Depth:       item.Depth,
						Probability: item.Probability,
						Aggregate:   item.Aggregate,
						HiddenCount: item.HiddenCount,
					})
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"items": lines,
					"count": len(lines),
				})
			}

			for _, item := range items {
				indent := strings.Repeat("  ", item.Depth)
				if item.Aggregate {
					fmt.Fprintf(cmd.OutOrStdout(), "%s+ [%d hidden] %s (%.4f)  %s\n",
						indent, item.HiddenCount, item.Node.Label, item.Probability, shortID(item.Node.ID))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s- %s (%.4f)  %s\n",
					indent, item.Node.Label, item.Probability, shortID(item.Node.ID))
			}
			return nil
		},
	}

	cmd.Flags().Bool("dot", false, "Emit Graphviz DOT instead of text")
	cmd.Flags().Bool("full", false, "With --dot, expand collapsed subtrees")

	return cmd
}
