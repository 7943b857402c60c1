package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <scenario> <path-or-url>",
		Short: "Run a data source through the agglomeration pipeline",
		Long: `Normalize raw records from a CSV/JSONL file, an HTTP endpoint, a
WebSocket stream, or a watched directory into pooled evidence.
Malformed records are logged and skipped; the batch still completes.

Examples:
  hindcast ingest "warehouse fire" findings.csv
  hindcast ingest "warehouse fire" https://feeds.example.com/reports --http
  hindcast ingest "warehouse fire" ./drops --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupField, _ := cmd.Flags().GetString("group-field")
			entityField, _ := cmd.Flags().GetString("entity-field")
			reliability, _ := cmd.Flags().GetFloat64("reliability")
			useHTTP, _ := cmd.Flags().GetBool("http")
			useStream, _ := cmd.Flags().GetBool("stream")
			watch, _ := cmd.Flags().GetBool("watch")

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			scenarioID, err := env.findScenario(args[0])
			if err != nil {
				return err
			}

			var adapter ingest.Adapter
			switch {
			case useHTTP:
				adapter = ingest.NewHTTPAdapter(args[1], reliability, env.cfg.Ingest.SourceTimeout)
			case useStream:
				adapter = ingest.NewStreamAdapter(args[1], reliability, env.cfg.Ingest.SourceTimeout)
			case watch:
				adapter = ingest.NewWatchAdapter(args[1], reliability)
			default:
				adapter = ingest.NewFileAdapter(args[1], reliability)
			}

			ctx := context.Background()
			if watch {
				// Watching blocks until interrupted.
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				go func() {
					<-sigChan
					cancel()
				}()
				fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for new files (ctrl-c to stop)\n", args[1])
			}

			res, err := env.engine.RunIngest(ctx, scenarioID, adapter, ingest.Config{
				GroupField:    groupField,
				EntityField:   entityField,
				SourceTimeout: env.cfg.Ingest.SourceTimeout,
			})
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			if err := env.persist(context.Background(), scenarioID); err != nil {
				return fmt.Errorf("failed to persist scenario: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				errStrs := make([]string, 0, len(res.Errors))
				for _, e := range res.Errors {
					errStrs = append(errStrs, e.Error())
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"processed": res.Processed,
					"skipped":   res.Skipped,
					"bundles":   len(res.Bundles),
					"errors":    errStrs,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Staged %d evidence bundles from %d records (%d skipped)\n",
				len(res.Bundles), res.Processed, res.Skipped)
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  skipped: %v\n", e)
			}
			return nil
		},
	}

	cmd.Flags().String("group-field", "", "Field whose shared values cluster records into one evidence item")
	cmd.Flags().String("entity-field", "", "Field that spawns candidate entities")
	cmd.Flags().Float64("reliability", 0.5, "Source reliability in [0,1]")
	cmd.Flags().Bool("http", false, "Treat the argument as an HTTP endpoint")
	cmd.Flags().Bool("stream", false, "Treat the argument as a WebSocket stream URL")
	cmd.Flags().Bool("watch", false, "Treat the argument as a directory to watch for new files")

	return cmd
}
