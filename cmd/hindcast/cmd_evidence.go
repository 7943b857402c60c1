package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

func newEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Manage the evidence pool",
	}
	cmd.AddCommand(
		newEvidenceAddCmd(),
		newEvidenceAttachCmd(),
		newEvidenceListCmd(),
	)
	return cmd
}

func newEvidenceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <scenario> <label>",
		Short: "Stage an evidence item into a scenario's pool",
		Long: `Stage an evidence item. Pooled evidence exists independently of any
hypothesis until attached with 'hindcast evidence attach'.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typStr, _ := cmd.Flags().GetString("type")
			sourceID, _ := cmd.Flags().GetString("source")
			reliability, _ := cmd.Flags().GetFloat64("reliability")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}

			typ := models.EvidenceCustom
			if typStr != "" {
				typ = models.EvidenceType(typStr)
			}
			if sourceID == "" {
				sourceID = "analyst"
			}

			ev := models.NewEvidence(args[1], typ, models.DataSourceRef{
				ID:          sourceID,
				Kind:        "user",
				Reliability: reliability,
			})
			ev.Confidence = reliability

			if err := env.engine.AddEvidence(scenarioID, ev); err != nil {
				return err
			}
			if err := env.persist(context.Background(), scenarioID); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"evidence_id": ev.ID,
					"label":       args[1],
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Staged evidence %q (%s)\n", args[1], shortID(ev.ID))
			}
			return nil
		},
	}

	cmd.Flags().String("type", "custom", "Evidence type: physical, digital, testimonial, circumstantial, geospatial, custom")
	cmd.Flags().String("source", "", "Identifier of the originating source")
	cmd.Flags().Float64("reliability", 0.5, "Source reliability in [0,1]")

	return cmd
}

func newEvidenceAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <scenario> <branch-id> <evidence-id>",
		Short: "Attach pooled evidence to a hypothesis branch",
		Long: `Attach pooled evidence to a branch with a likelihood ratio
P(evidence | hypothesis) / P(evidence | not hypothesis). Posteriors for
the branch and its siblings update in the background; run
'hindcast view' to see the result.

Example:
  hindcast evidence attach "warehouse fire" b1f2 e3a4 --lr 4.0`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ratio, _ := cmd.Flags().GetFloat64("lr")
			relevance, _ := cmd.Flags().GetFloat64("relevance")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}

			// Watch for the recompute so the update is persisted before
			// this process exits.
			events, unsub := env.engine.Subscribe()
			defer unsub()

			if err := env.engine.AttachEvidence(scenarioID, args[1], args[2],
				models.AttachManual, relevance, ratio); err != nil {
				return err
			}

			var posterior float64
			deadline := time.After(10 * time.Second)
		wait:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break wait
					}
					if ev.Kind == engine.EventBranchUpdated && ev.ScenarioID == scenarioID && ev.BranchID == args[1] {
						posterior = ev.NewPosterior
						break wait
					}
				case <-deadline:
					return fmt.Errorf("timed out waiting for posterior update")
				}
			}
			if err := env.persist(context.Background(), scenarioID); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"branch_id":        args[1],
					"evidence_id":      args[2],
					"likelihood_ratio": ratio,
					"posterior":        posterior,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Attached evidence %s to branch %s (posterior %.4f)\n",
					shortID(args[2]), shortID(args[1]), posterior)
			}
			return nil
		},
	}

	cmd.Flags().Float64("lr", 1.0, "Likelihood ratio (required, must be positive and finite)")
	cmd.Flags().Float64("relevance", 1.0, "Relevance weight in [0,1]")
	cmd.MarkFlagRequired("lr")

	return cmd
}

func newEvidenceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scenario>",
		Short: "List a scenario's evidence pool",
		Args:  cobra.ExactArgs(1),
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

			var pool []*models.Evidence
			if err := env.engine.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
				for _, ev := range sc.Evidence {
					pool = append(pool, ev)
				}
				return nil
			}); err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"evidence": pool,
					"count":    len(pool),
				})
			}

			if len(pool) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Evidence pool is empty.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evidence (%d):\n\n", len(pool))
			for _, ev := range pool {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-14s %s (source %s, confidence %.2f)\n",
					shortID(ev.ID), ev.Type, ev.Label, ev.Source.ID, ev.Confidence)
			}
			return nil
		},
	}
}
