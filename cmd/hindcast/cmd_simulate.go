package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/scenario"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario>",
		Short: "Run a Monte Carlo simulation over a hypothesis tree",
		Long: `Sample the hypothesis tree to estimate the probability of each leaf
outcome. Results are stored on the sampled branch and persisted.

Example:
  hindcast simulate "warehouse fire" --iterations 10000 --seed 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iterations, _ := cmd.Flags().GetInt("iterations")
			seed, _ := cmd.Flags().GetInt64("seed")
			branchID, _ := cmd.Flags().GetString("branch")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}
			if branchID == "" {
				if err := env.engine.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
					branchID = sc.Tree.Root().ID
					return nil
				}); err != nil {
					return err
				}
			}

			events, unsub := env.engine.Subscribe()
			defer unsub()

			jobID, err := env.engine.RequestSimulation(scenarioID, branchID, iterations, seed)
			if err != nil {
				return err
			}

			deadline := time.After(timeout)
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return fmt.Errorf("engine shut down mid-simulation")
					}
					if ev.JobID != jobID {
						continue
					}
					if ev.Kind == engine.EventSimulationCancelled {
						return fmt.Errorf("simulation %s was cancelled", jobID)
					}
					if ev.Kind != engine.EventSimulationComplete || ev.Outcome == nil {
						continue
					}
					if err := env.persist(context.Background(), scenarioID); err != nil {
						return fmt.Errorf("failed to persist results: %w", err)
					}
					return printOutcome(cmd, jobID, ev)
				case <-deadline:
					env.engine.CancelSimulation(jobID)
					return fmt.Errorf("simulation timed out after %v", timeout)
				}
			}
		},
	}

	cmd.Flags().Int("iterations", 0, "Number of samples (defaults to the configured iteration count)")
	cmd.Flags().Int64("seed", 0, "Seed for reproducible runs (0 seeds from entropy)")
	cmd.Flags().String("branch", "", "Subtree root to sample (defaults to the scenario root)")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")

	return cmd
}

func printOutcome(cmd *cobra.Command, jobID string, ev engine.Event) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"job_id":       jobID,
			"distribution": ev.Outcome.Distribution,
			"sample_count": ev.Outcome.SampleCount,
			"confidence":   ev.Outcome.Confidence,
		})
	}

	type entry struct {
		label string
		prob  float64
	}
	entries := make([]entry, 0, len(ev.Outcome.Distribution))
	for label, p := range ev.Outcome.Distribution {
		entries = append(entries, entry{label, p})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prob != entries[j].prob {
			return entries[i].prob > entries[j].prob
		}
		return entries[i].label < entries[j].label
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Simulated %d samples (job %s, confidence %.2f):\n\n",
		ev.Outcome.SampleCount, shortID(jobID), ev.Outcome.Confidence)
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "  %6.2f%%  %s\n", e.prob*100, e.label)
	}
	return nil
}
