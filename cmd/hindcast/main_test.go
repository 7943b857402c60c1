package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/config"
	"github.com/scenariolab/hindcast/internal/logging"
)

// newTestRootCmd creates a root command with persistent flags for testing
// subcommands against an isolated data directory.
func newTestRootCmd(dataDir string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "hindcast",
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("data-dir", dataDir, "Data directory")
	return rootCmd
}

// isolateHome sets HOME to a temp directory to avoid touching real ~/.hindcast/
func isolateHome(t *testing.T, tmpDir string) {
	t.Helper()
	tmpHome := filepath.Join(tmpDir, "home")
	if err := os.MkdirAll(tmpHome, 0700); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", tmpHome)
}

// runCmd executes a subcommand under an isolated root and returns its output.
func runCmd(t *testing.T, dataDir string, sub *cobra.Command, args ...string) string {
	t.Helper()
	root := newTestRootCmd(dataDir)
	root.AddCommand(sub)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("command %v failed: %v\noutput: %s", args, err, out.String())
	}
	return out.String()
}

func TestVersionCmd(t *testing.T) {
	out := runCmd(t, "", newVersionCmd(), "version")
	if !strings.Contains(out, version) {
		t.Errorf("output %q missing version %q", out, version)
	}

	out = runCmd(t, "", newVersionCmd(), "version", "--json")
	var parsed map[string]string
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if parsed["version"] != version {
		t.Errorf("version = %q, want %q", parsed["version"], version)
	}
}

func TestInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	out := runCmd(t, dataDir, newInitCmd(), "init")
	if !strings.Contains(out, dataDir) {
		t.Errorf("output %q missing data dir", out)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not created: %v", err)
	}
}

func TestScenarioLifecycleCmds(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	out := runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "museum theft", "--json")
	var created map[string]string
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if created["id"] == "" {
		t.Fatal("empty scenario id")
	}
	if created["scale"] != "micro" {
		t.Errorf("scale = %q, want micro", created["scale"])
	}

	// The scenario persists across separate command invocations.
	out = runCmd(t, dataDir, newScenarioCmd(), "scenario", "list")
	if !strings.Contains(out, "museum theft") {
		t.Errorf("list output %q missing scenario name", out)
	}

	out = runCmd(t, dataDir, newBranchCmd(),
		"branch", "add", "museum theft", "inside job", "--prior", "0.35", "--json")
	var added map[string]interface{}
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if added["branch_id"] == "" {
		t.Fatal("empty branch id")
	}

	out = runCmd(t, dataDir, newViewCmd(), "view", "museum theft")
	if !strings.Contains(out, "inside job") {
		t.Errorf("view output %q missing branch label", out)
	}
	if !strings.Contains(out, "0.35") {
		t.Errorf("view output %q missing prior", out)
	}

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "delete", "museum theft")
	out = runCmd(t, dataDir, newScenarioCmd(), "scenario", "list")
	if strings.Contains(out, "museum theft") {
		t.Errorf("deleted scenario still listed: %q", out)
	}
}

func TestSimulateCmd(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "arson")
	runCmd(t, dataDir, newBranchCmd(), "branch", "add", "arson", "insurance fraud", "--prior", "0.6")
	runCmd(t, dataDir, newBranchCmd(), "branch", "add", "arson", "vandalism", "--prior", "0.4")

	out := runCmd(t, dataDir, newSimulateCmd(),
		"simulate", "arson", "--iterations", "500", "--seed", "11", "--json")
	var result struct {
		SampleCount  int                `json:"sample_count"`
		Distribution map[string]float64 `json:"distribution"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if result.SampleCount != 500 {
		t.Errorf("sample_count = %d, want 500", result.SampleCount)
	}
	var mass float64
	for _, p := range result.Distribution {
		mass += p
	}
	if mass < 0.999 || mass > 1.001 {
		t.Errorf("distribution mass = %g, want 1", mass)
	}
}

func TestExportImportCmds(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "source case")
	runCmd(t, dataDir, newBranchCmd(), "branch", "add", "source case", "theory one", "--prior", "0.5")

	exportPath := filepath.Join(tmpDir, "tree.jsonl")
	runCmd(t, dataDir, newExportCmd(), "export", "source case", "-o", exportPath)
	if _, err := os.Stat(exportPath); err != nil {
		t.Fatalf("export file not written: %v", err)
	}

	out := runCmd(t, dataDir, newImportCmd(), "import", "copied case", exportPath, "--json")
	var imported struct {
		Branches int `json:"branches"`
	}
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if imported.Branches != 2 {
		t.Errorf("branches = %d, want 2", imported.Branches)
	}

	out = runCmd(t, dataDir, newViewCmd(), "view", "copied case")
	if !strings.Contains(out, "theory one") {
		t.Errorf("imported view %q missing branch", out)
	}
}

func TestIngestCmd(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "burglary")

	csvPath := filepath.Join(tmpDir, "findings.csv")
	csv := "id,label,location\nr1,pry marks,back door\nr2,torn glove,garden\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0600); err != nil {
		t.Fatalf("writing csv: %v", err)
	}

	out := runCmd(t, dataDir, newIngestCmd(), "ingest", "burglary", csvPath, "--json")
	var result struct {
		Processed int `json:"processed"`
		Bundles   int `json:"bundles"`
		Skipped   int `json:"skipped"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if result.Processed != 2 || result.Bundles != 2 || result.Skipped != 0 {
		t.Errorf("got %+v, want 2 processed, 2 bundles, 0 skipped", result)
	}

	out = runCmd(t, dataDir, newEvidenceCmd(), "evidence", "list", "burglary")
	if !strings.Contains(out, "pry marks") {
		t.Errorf("evidence list %q missing ingested item", out)
	}
}

func TestBackupCmds(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "warehouse fire")
	runCmd(t, dataDir, newBranchCmd(), "branch", "add", "warehouse fire", "electrical fault", "--prior", "0.55")

	backupPath := filepath.Join(tmpDir, "snap.backup")
	out := runCmd(t, dataDir, newBackupCmd(), "backup", "create", "-o", backupPath)
	if !strings.Contains(out, "Backed up 1 scenarios") {
		t.Errorf("create output %q missing scenario count", out)
	}

	out = runCmd(t, dataDir, newBackupCmd(), "backup", "verify", backupPath)
	if !strings.Contains(out, "OK: 1 scenarios") {
		t.Errorf("verify output %q", out)
	}

	// Restore into a fresh data directory and confirm the tree came along.
	otherDir := filepath.Join(tmpDir, "other")
	out = runCmd(t, otherDir, newBackupCmd(), "backup", "restore", backupPath)
	if !strings.Contains(out, "Restored 1 scenarios") {
		t.Errorf("restore output %q", out)
	}
	out = runCmd(t, otherDir, newScenarioCmd(), "scenario", "list")
	if !strings.Contains(out, "warehouse fire") {
		t.Errorf("restored store missing scenario: %q", out)
	}
	out = runCmd(t, otherDir, newViewCmd(), "view", "warehouse fire")
	if !strings.Contains(out, "electrical fault") {
		t.Errorf("restored tree missing branch: %q", out)
	}
}

func TestViewDotCmd(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	dataDir := filepath.Join(tmpDir, "data")

	runCmd(t, dataDir, newScenarioCmd(), "scenario", "create", "flood")
	runCmd(t, dataDir, newBranchCmd(), "branch", "add", "flood", "burst pipe", "--prior", "0.7")

	out := runCmd(t, dataDir, newViewCmd(), "view", "flood", "--dot")
	if !strings.HasPrefix(out, "digraph hindcast {") {
		t.Errorf("missing DOT preamble: %q", out)
	}
	if !strings.Contains(out, "burst pipe") {
		t.Errorf("DOT output missing branch label: %q", out)
	}
}

func TestLocalEmbedderResolution(t *testing.T) {
	t.Setenv("YZMA_LIB", "")
	log := logging.NewLogger("info", io.Discard)
	dataDir := t.TempDir()

	// Nothing installed: nil EmbedFunc, attachment falls back to overlap.
	embedder, embedFn := localEmbedder(config.Default(), dataDir, log)
	if embedder != nil || embedFn != nil {
		t.Fatal("embedder resolved with nothing installed")
	}

	// A detected lib + model under the data dir enables embeddings.
	libDir := filepath.Join(dataDir, "lib")
	if err := os.MkdirAll(libDir, 0755); err != nil {
		t.Fatal(err)
	}
	libName := "libllama.so"
	if runtime.GOOS == "darwin" {
		libName = "libllama.dylib"
	}
	if err := os.WriteFile(filepath.Join(libDir, libName), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	modelsDir := filepath.Join(dataDir, "models")
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modelsDir, "embed.gguf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	embedder, embedFn = localEmbedder(config.Default(), dataDir, log)
	if embedder == nil || embedFn == nil {
		t.Fatal("embedder not resolved from detected installation")
	}
	embedder.Close()
}
