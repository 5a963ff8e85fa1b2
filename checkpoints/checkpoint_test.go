package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

func testTensors(t *testing.T, scale float32) []*tensor.Tensor {
	t.Helper()
	w, err := tensor.NewParameter("dense1.weight", []int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.NewParameter("dense1.bias", []int{2}, []float32{-1, 0.5})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []*tensor.Tensor{w, b} {
		for i := range p.Data {
			p.Data[i] *= scale
		}
	}
	return []*tensor.Tensor{w, b}
}

func TestWeightsSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	src := testTensors(t, 1)
	if err := SaveWeights(path, src); err != nil {
		t.Fatalf("Failed to save weights: %v", err)
	}

	dst := testTensors(t, 0)
	if err := LoadWeights(path, dst); err != nil {
		t.Fatalf("Failed to load weights: %v", err)
	}
	for i := range src {
		for j := range src[i].Data {
			if src[i].Data[j] != dst[i].Data[j] {
				t.Errorf("%s[%d] = %f, want %f", dst[i].Name(), j, dst[i].Data[j], src[i].Data[j])
			}
		}
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := SaveWeights(path, testTensors(t, 1)); err != nil {
		t.Fatal(err)
	}
	w, _ := tensor.NewParameter("dense1.weight", []int{2, 3}, make([]float32, 6))
	b, _ := tensor.NewParameter("dense1.bias", []int{2}, make([]float32, 2))
	if err := LoadWeights(path, []*tensor.Tensor{w, b}); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestCorruptAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	if err := SaveWeights(path, testTensors(t, 1)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"truncated":  data[:len(data)-5],
		"bad_header": append([]byte("NOTMAGIC"), data[8:]...),
		"empty":      {},
	}
	for name, content := range cases {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := LoadWeights(p, testTensors(t, 0)); !errors.Is(err, ErrCorruptCheckpoint) {
			t.Errorf("%s: expected ErrCorruptCheckpoint, got %v", name, err)
		}
	}

	if err := LoadWeights(filepath.Join(dir, "missing.ckpt"), testTensors(t, 0)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestOptimizerSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.ckpt")
	params := testTensors(t, 1)
	opt := optimizer.NewAdam(params, optimizer.DefaultConfig())
	for _, p := range params {
		p.SetRequiresGrad(true)
	}
	loss := tensor.SumAll(tensor.Mul(params[0], params[0]))
	if err := tensor.Backward(loss); err != nil {
		t.Fatal(err)
	}
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}
	if err := SaveOptimizer(path, opt); err != nil {
		t.Fatalf("Failed to save optimizer: %v", err)
	}

	restored := optimizer.NewAdam(testTensors(t, 1), optimizer.Config{Type: "adam", LR: 0.5, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	if err := LoadOptimizer(path, restored); err != nil {
		t.Fatalf("Failed to load optimizer: %v", err)
	}
	if restored.GetStepCount() != 1 || restored.GetLR() != optimizer.DefaultConfig().LR {
		t.Errorf("restored step %d lr %v", restored.GetStepCount(), restored.GetLR())
	}
	want, _ := opt.GetState()
	got, _ := restored.GetState()
	for i := range want.StateData {
		for j := range want.StateData[i].Data {
			if want.StateData[i].Data[j] != got.StateData[i].Data[j] {
				t.Fatalf("state %s differs at %d", want.StateData[i].Name, j)
			}
		}
	}

	// an optimizer blob is not a weight blob
	if err := LoadWeights(path, params); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("expected kind mismatch, got %v", err)
	}
}

type testRecord struct {
	Method  string  `json:"method"`
	EmbSize int     `json:"emb_size"`
	Dropout float32 `json:"dropout"`
	Padding bool    `json:"padding"`
	Seed    int64   `json:"seed"`
}

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := testRecord{Method: "transformer_detection", EmbSize: 16, Dropout: 0.25, Padding: true, Seed: 4}
	if err := SaveRecord(path, in); err != nil {
		t.Fatal(err)
	}
	var out testRecord
	if err := LoadRecord(path, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("record changed: %+v vs %+v", out, in)
	}

	if err := SaveRecord(path, map[string]interface{}{"nested": []int{1}}); err == nil {
		t.Error("expected error for non-scalar field")
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadRecord(path, &out); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("expected ErrCorruptCheckpoint, got %v", err)
	}
}
