package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/scenario"
)

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Manage scenarios",
	}
	cmd.AddCommand(
		newScenarioCreateCmd(),
		newScenarioListCmd(),
		newScenarioDeleteCmd(),
	)
	return cmd
}

func newScenarioCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a scenario",
		Long: `Create a scenario. Micro scenarios model a single incident; macro
scenarios aggregate findings propagated up from their micro children.

Example:
  hindcast scenario create "warehouse fire" --scale micro`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scaleStr, _ := cmd.Flags().GetString("scale")
			parentRef, _ := cmd.Flags().GetString("parent")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			var scale scenario.Scale
			switch scaleStr {
			case "micro":
				scale = scenario.Micro
			case "macro":
				scale = scenario.Macro
			default:
				return fmt.Errorf("invalid scale %q (must be micro or macro)", scaleStr)
			}

			parentID := ""
			if parentRef != "" {
				parentID, err = env.findScenario(parentRef)
				if err != nil {
					return err
				}
			}

			id, err := env.engine.CreateScenario(args[0], scale, parentID)
			if err != nil {
				return fmt.Errorf("failed to create scenario: %w", err)
			}
			if err := env.engine.UpdateScenarioConfig(id, env.defaultScenarioConfig()); err != nil {
				return err
			}
			if err := env.persist(context.Background(), id); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}
			if parentID != "" {
				if err := env.persist(context.Background(), parentID); err != nil {
					return fmt.Errorf("failed to persist parent: %w", err)
				}
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"id":    id,
					"name":  args[0],
					"scale": string(scale),
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s scenario %q (%s)\n", scale, args[0], shortID(id))
			}
			return nil
		},
	}

	cmd.Flags().String("scale", "micro", "Scenario scale: micro or macro")
	cmd.Flags().String("parent", "", "Owning macro scenario (name, ID, or ID prefix)")

	return cmd
}

func newScenarioListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			infos := env.engine.ListScenarios()

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"scenarios": infos,
					"count":     len(infos),
				})
			}

			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scenarios yet. Run 'hindcast scenario create' first.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scenarios (%d):\n\n", len(infos))
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-24s %-5s  %d branches, %d evidence, %d entities\n",
					shortID(info.ID), info.Name, info.Scale, info.Branches, info.Evidence, info.Entities)
				if label, prob, err := env.engine.TopHypothesis(info.ID); err == nil && label != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "            leading: %s (%.2f)\n", label, prob)
				}
			}
			return nil
		},
	}
}

func newScenarioDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scenario>",
		Short: "Delete a scenario and its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			id, err := env.findScenario(args[0])
			if err != nil {
				return err
			}
			if err := env.engine.DeleteScenario(id); err != nil {
				return err
			}
			if err := env.store.DeleteScenario(context.Background(), id); err != nil {
				return fmt.Errorf("failed to delete persisted scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"deleted": id})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted scenario %s\n", shortID(id))
			}
			return nil
		},
	}
}
