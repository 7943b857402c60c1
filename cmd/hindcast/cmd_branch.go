package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/scenario"
)

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage hypothesis branches",
	}
	cmd.AddCommand(
		newBranchAddCmd(),
		newBranchThresholdCmd(),
	)
	return cmd
}

func newBranchAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <scenario> <label>",
		Short: "Add a hypothesis branch",
		Long: `Add a hypothesis branch under a parent branch. Sibling priors may sum
to at most 1; pass --renormalize to rescale existing siblings instead of
failing on overflow.

Example:
  hindcast branch add "warehouse fire" "electrical fault" --prior 0.4`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prior, _ := cmd.Flags().GetFloat64("prior")
			description, _ := cmd.Flags().GetString("description")
			parent, _ := cmd.Flags().GetString("parent")
			renormalize, _ := cmd.Flags().GetBool("renormalize")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}
			if parent == "" {
				if err := env.engine.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
					parent = sc.Tree.Root().ID
					return nil
				}); err != nil {
					return err
				}
			}

			id, err := env.engine.CreateBranch(scenarioID, parent, args[1], description,
				prior, engine.OriginManual, renormalize)
			if err != nil {
				return fmt.Errorf("failed to add branch: %w", err)
			}
			if err := env.persist(context.Background(), scenarioID); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"branch_id": id,
					"label":     args[1],
					"prior":     prior,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Added branch %q (%s) with prior %g\n", args[1], shortID(id), prior)
			}
			return nil
		},
	}

	cmd.Flags().Float64("prior", 0, "Prior probability in [0,1] (required)")
	cmd.Flags().String("description", "", "Longer hypothesis description, used for similarity matching")
	cmd.Flags().String("parent", "", "Parent branch ID (defaults to the scenario root)")
	cmd.Flags().Bool("renormalize", false, "Rescale sibling priors proportionally on overflow")
	cmd.MarkFlagRequired("prior")

	return cmd
}

func newBranchThresholdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold <scenario> <branch-id> <value>",
		Short: "Set the soft-collapse threshold for a subtree",
		Long: `Set the probability below which descendants of the given branch are
folded into aggregate items in 'hindcast view'. Folded branches keep
participating in inference; only the presentation changes.`,
		Args: cobra.ExactArgs(3),
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
			var threshold float64
			if _, err := fmt.Sscanf(args[2], "%g", &threshold); err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[2], err)
			}
			if threshold < 0 || threshold >= 1 {
				return fmt.Errorf("threshold must be in [0, 1), got %g", threshold)
			}

			if err := env.engine.SetCollapseThreshold(scenarioID, args[1], threshold); err != nil {
				return err
			}
			if err := env.persist(context.Background(), scenarioID); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"branch_id": args[1],
					"threshold": threshold,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Subtree %s now collapses below %g\n", shortID(args[1]), threshold)
			}
			return nil
		},
	}

	return cmd
}
