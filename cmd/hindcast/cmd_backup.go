package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/backup"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, restore, and prune scenario snapshots",
		Long: `Snapshot the full scenario store into a single checksummed file.
Snapshots live under <data-dir>/backups by default and can be pruned
by count or age.`,
	}

	cmd.AddCommand(
		newBackupCreateCmd(),
		newBackupListCmd(),
		newBackupRestoreCmd(),
		newBackupVerifyCmd(),
		newBackupPruneCmd(),
	)

	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a snapshot of all scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			path, _ := cmd.Flags().GetString("output")
			if path == "" {
				path = backup.DefaultBackupPath(env.dataDir, time.Now())
			}

			snap, err := backup.Create(cmd.Context(), env.store, path)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"path":      path,
					"scenarios": len(snap.Scenarios),
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d scenarios to %s\n", len(snap.Scenarios), path)
			}
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Destination file (default <data-dir>/backups/hindcast-<timestamp>.backup)")

	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots in the backup directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			dir := backup.DefaultBackupDir(env.dataDir)
			backups, err := backup.ListBackups(dir)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				type item struct {
					Path      string `json:"path"`
					CreatedAt string `json:"created_at"`
					Size      int64  `json:"size_bytes"`
					Scenarios int    `json:"scenarios"`
				}
				items := make([]item, 0, len(backups))
				for _, b := range backups {
					items = append(items, item{
						Path:      b.Path,
						CreatedAt: b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
						Size:      b.Size,
						Scenarios: b.Scenarios,
					})
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(items)
			}

			if len(backups) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No backups in %s\n", dir)
				return nil
			}
			for _, b := range backups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d scenarios  %d bytes\n",
					b.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					filepath.Base(b.Path), b.Scenarios, b.Size)
			}
			return nil
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Load scenarios from a snapshot file",
		Long: `Restore scenarios from a snapshot. By default restored scenarios
merge with existing ones, overwriting on ID collision; --replace
drops everything in the store first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("cannot read backup: %w", err)
			}

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			mode := backup.RestoreMerge
			if replace, _ := cmd.Flags().GetBool("replace"); replace {
				mode = backup.RestoreReplace
			}

			restored, err := backup.Restore(cmd.Context(), env.store, path, mode)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"path":     path,
					"restored": restored,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d scenarios from %s\n", restored, path)
			}
			return nil
		},
	}

	cmd.Flags().Bool("replace", false, "Drop existing scenarios before restoring")

	return cmd
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a snapshot's integrity without restoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			header, err := backup.VerifyChecksum(path)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"path":      path,
					"valid":     true,
					"scenarios": header.ScenarioCount,
					"created":   header.CreatedAt,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "OK: %d scenarios, created %s\n",
					header.ScenarioCount, header.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newBackupPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old snapshots by count or age",
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			maxAgeStr, _ := cmd.Flags().GetString("max-age")
			if keep <= 0 && maxAgeStr == "" {
				return fmt.Errorf("nothing to prune: pass --keep and/or --max-age")
			}

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			var policies []backup.RetentionPolicy
			if keep > 0 {
				policies = append(policies, &backup.CountPolicy{KeepLast: keep})
			}
			if maxAgeStr != "" {
				maxAge, err := backup.ParseDuration(maxAgeStr)
				if err != nil {
					return fmt.Errorf("invalid --max-age: %w", err)
				}
				policies = append(policies, &backup.AgePolicy{MaxAge: maxAge})
			}

			dir := backup.DefaultBackupDir(env.dataDir)
			deleted, err := backup.ApplyRetention(dir, &backup.CompositePolicy{Policies: policies})
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"deleted": deleted,
				})
				return nil
			}
			if len(deleted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune")
				return nil
			}
			for _, path := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", filepath.Base(path))
			}
			return nil
		},
	}

	cmd.Flags().Int("keep", 0, "Keep only the newest N snapshots")
	cmd.Flags().String("max-age", "", "Delete snapshots older than this (e.g. 30d, 12h)")

	return cmd
}
