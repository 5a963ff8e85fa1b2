package main

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/storage"
)

func writeModelConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "model.json")
	body := `{
  "emb_size": 8,
  "num_heads": 2,
  "depth": 1,
  "expansion": 2,
  "position_kernel": 5,
  "time_kernel": 4,
  "time_stride": 2,
  "n_windows": 2
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseArgs(config string) []string {
	return []string{"-synthetic", "-subjects", "2", "-config", config, "-epochs", "1", "-batch-size", "8", "-seed", "3"}
}

func TestRunRejectsUnknownCommands(t *testing.T) {
	ctx := context.Background()
	if err := run(ctx, nil); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("missing command: %v", err)
	}
	if err := run(ctx, []string{"predict"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command: %v", err)
	}
}

func TestRunRequiresData(t *testing.T) {
	ctx := context.Background()
	if err := run(ctx, []string{"train", "-epochs", "1"}); err == nil {
		t.Error("expected error without -data or -synthetic")
	}
	if err := run(ctx, []string{"train", "-synthetic", "-data", t.TempDir()}); err == nil {
		t.Error("expected error with both -data and -synthetic")
	}
	if err := run(ctx, []string{"train", "-synthetic", "-method", "cnn"}); err == nil {
		t.Error("expected error for unknown method")
	}
	if err := run(ctx, []string{"train", "-synthetic", "-scheduler", "warmup"}); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}

func TestTrainThenEvaluate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := writeModelConfig(t, dir)
	out := filepath.Join(dir, "models")

	args := append([]string{"train"}, baseArgs(cfg)...)
	args = append(args, "-save", "-out", out, "-mix-up", "-cost-sensitive", "-scheduler", "cosine")
	if err := run(ctx, args); err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, name := range []string{"_model.bin", "_optimizer.bin", "_model_config.json", "_optimizer_config.json"} {
		if _, err := os.Stat(filepath.Join(out, "transformer_detection"+name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	args = append([]string{"evaluate"}, baseArgs(cfg)...)
	args = append(args, "-out", out)
	if err := run(ctx, args); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	args = append([]string{"evaluate"}, baseArgs(cfg)...)
	args = append(args, "-out", filepath.Join(dir, "empty"))
	if err := run(ctx, args); err == nil {
		t.Error("expected error when no artifacts were saved")
	}
}

func TestLOPOThenResults(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := writeModelConfig(t, dir)
	dbPath := filepath.Join(dir, "results.db")
	resultsDir := filepath.Join(dir, "csv")

	args := append([]string{"lopo"}, baseArgs(cfg)...)
	args = append(args, "-seeds", "1", "-save", "-results-dir", resultsDir, "-store", "sqlite", "-db-path", dbPath)
	if err := run(ctx, args); err != nil {
		t.Fatalf("lopo: %v", err)
	}

	store, err := storage.NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %v", runs)
	}
	rows, err := store.Rows(ctx, runs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("expected one row per subject, got %d", len(rows))
	}
	if err := storage.CloseIfSupported(store); err != nil {
		t.Fatal(err)
	}

	if err := run(ctx, []string{"results", "-db-path", dbPath}); err != nil {
		t.Errorf("list runs: %v", err)
	}
	if err := run(ctx, []string{"results", "-db-path", dbPath, "-run-id", runs[0]}); err != nil {
		t.Errorf("summarize run: %v", err)
	}
	if err := run(ctx, []string{"results", "-db-path", dbPath, "-run-id", "missing"}); err == nil {
		t.Error("expected error for unknown run")
	}
	if err := run(ctx, []string{"results", "-csv", filepath.Join(resultsDir, "*.csv")}); err != nil {
		t.Errorf("summarize csv: %v", err)
	}
	if err := run(ctx, []string{"results", "-csv", filepath.Join(dir, "none", "*.csv")}); err == nil {
		t.Error("expected error when no table matches")
	}
}

// writeCountSubject writes a subject file of 4x32 trials whose spike counts
// cycle through counts
func writeCountSubject(t *testing.T, dir, subject string, trials int, counts []int) {
	t.Helper()
	type trial struct {
		Data       [][]float32 `json:"data"`
		SpikeTimes []float64   `json:"spike_times"`
	}
	var out struct {
		SFreq  float64 `json:"sfreq"`
		Trials []trial `json:"trials"`
	}
	out.SFreq = 32
	for i := 0; i < trials; i++ {
		n := counts[i%len(counts)]
		tr := trial{SpikeTimes: []float64{}}
		for ch := 0; ch < 4; ch++ {
			row := make([]float32, 32)
			for k := range row {
				row[k] = float32(math.Sin(float64(i*7+ch*3+k) / 5))
			}
			tr.Data = append(tr.Data, row)
		}
		for k := 0; k < n; k++ {
			tr.SpikeTimes = append(tr.SpikeTimes, float64(4+8*k)/out.SFreq)
		}
		out.Trials = append(out.Trials, tr)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, subject+".json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func countArgs(command, dataDir, config string) []string {
	return []string{command, "-data", dataDir, "-binary=false", "-method", "transformer_classification",
		"-config", config, "-epochs", "1", "-batch-size", "8"}
}

func TestTrainOnSpikeCountClasses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	if err := os.Mkdir(data, 0o755); err != nil {
		t.Fatal(err)
	}
	writeCountSubject(t, data, "sub-01", 30, []int{0, 1, 2})
	cfg := writeModelConfig(t, dir)

	if err := run(ctx, countArgs("train", data, cfg)); err != nil {
		t.Fatalf("train on three count classes: %v", err)
	}
}

func TestLOPOOnSpikeCountClasses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	if err := os.Mkdir(data, 0o755); err != nil {
		t.Fatal(err)
	}
	// two spikes only occur in sub-01, three only in sub-02
	writeCountSubject(t, data, "sub-01", 18, []int{0, 1, 2})
	writeCountSubject(t, data, "sub-02", 18, []int{0, 1, 3})
	cfg := writeModelConfig(t, dir)

	args := append(countArgs("lopo", data, cfg), "-seeds", "1", "-verbose")
	if err := run(ctx, args); err != nil {
		t.Fatalf("lopo on count classes: %v", err)
	}
	if err := run(ctx, append(countArgs("lopo", data, cfg), "-seeds", "1", "-cache", "1KB")); err != nil {
		t.Fatalf("lopo with a cache smaller than a subject: %v", err)
	}
	if err := run(ctx, append(countArgs("lopo", data, cfg), "-cache", "lots")); err == nil {
		t.Error("expected error for an unparsable cache size")
	}
}
