package models

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

func smallConfig(method Method) Config {
	cfg := DefaultConfig(method, 4, 24)
	cfg.EmbSize = 8
	cfg.NumHeads = 2
	cfg.Depth = 1
	cfg.Expansion = 2
	cfg.PositionKernel = 5
	cfg.TimeKernel = 4
	cfg.TimeStride = 2
	cfg.HiddenSize = 6
	cfg.NWindows = 3
	return cfg
}

func TestMethodRoundTrip(t *testing.T) {
	for _, m := range []Method{RNNSelfAttentionMethod, TransformerClassification, TransformerDetection} {
		parsed, err := ParseMethod(m.String())
		if err != nil || parsed != m {
			t.Errorf("ParseMethod(%s) = %v, %v", m, parsed, err)
		}
	}
	if _, err := ParseMethod("cnn"); err == nil {
		t.Error("expected error for unknown method")
	}
	data, _ := json.Marshal(smallConfig(TransformerDetection))
	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != smallConfig(TransformerDetection) {
		t.Errorf("config changed through JSON: %+v", back)
	}
}

func TestPatchGeometryMatchesForward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		timePoints, pk, ps, tk, ts int
		padding                    bool
	}{
		{24, 5, 1, 4, 2, true},
		{32, 8, 2, 3, 1, true},
		{40, 20, 1, 20, 2, true},
		{17, 3, 3, 2, 1, true},
		{24, 5, 1, 4, 2, false},
		{50, 7, 2, 5, 3, false},
	}
	for _, tc := range cases {
		cfg := smallConfig(TransformerClassification)
		cfg.NTimePoints = tc.timePoints
		cfg.PositionKernel, cfg.PositionStride = tc.pk, tc.ps
		cfg.TimeKernel, cfg.TimeStride = tc.tk, tc.ts
		cfg.Padding = tc.padding
		pe, err := NewPatchEmbedding("embedding", cfg, rng)
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		x := tensor.RandomNormal([]int{2, 1, cfg.NChannels, tc.timePoints}, 0, 1, rng)
		out, err := pe.Forward(x)
		if err != nil {
			t.Fatalf("%+v: forward failed: %v", tc, err)
		}
		if out.Shape[1] != pe.SeqLen() || out.Shape[2] != cfg.EmbSize {
			t.Errorf("%+v: output %v, computed seq_len %d", tc, out.Shape, pe.SeqLen())
		}
	}
}

func TestPatchGeometryRejectsImpossibleKernels(t *testing.T) {
	if _, err := ComputePatchGeometry(10, 30, 1, 3, 1, false); err == nil {
		t.Error("expected error for kernel longer than input")
	}
}

func TestChannelAttentionShapeAndScores(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, tc := range []struct{ b, c, tp, k, s int }{
		{2, 4, 24, 4, 4}, {3, 6, 20, 3, 2}, {1, 2, 9, 9, 1},
	} {
		ca, err := NewChannelAttention("attention", tc.c, tc.tp, 0.1, 0.5, tc.k, tc.s, rng)
		if err != nil {
			t.Fatal(err)
		}
		if want := (tc.tp-tc.k)/tc.s + 1; ca.PooledLength() != want {
			t.Errorf("pooled length %d, want %d", ca.PooledLength(), want)
		}
		x := tensor.RandomNormal([]int{tc.b, 1, tc.c, tc.tp}, 0, 1, rng)
		out, err := ca.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		if !tensor.ShapesEqual(out.Shape, x.Shape) {
			t.Errorf("output shape %v, input %v", out.Shape, x.Shape)
		}
		scores := ca.Scores()
		if !tensor.ShapesEqual(scores.Shape, []int{tc.b, 1, tc.c, tc.c}) {
			t.Fatalf("scores shape %v", scores.Shape)
		}
		for row := 0; row < tc.b*tc.c; row++ {
			var s float64
			for j := 0; j < tc.c; j++ {
				s += float64(scores.Data[row*tc.c+j])
			}
			if math.Abs(s-1) > 1e-5 {
				t.Errorf("score row %d sums to %f", row, s)
			}
		}
	}
	if _, err := NewChannelAttention("attention", 4, 3, 0, 0, 4, 1, rng); err == nil {
		t.Error("expected error when pooling kernel exceeds trial length")
	}
}

func TestNetworkOutputs(t *testing.T) {
	for _, method := range []Method{RNNSelfAttentionMethod, TransformerClassification, TransformerDetection} {
		for _, emb := range []string{PatchEmbeddingKind, TimeEmbeddingKind} {
			cfg := smallConfig(method)
			cfg.Embedding = emb
			net, err := New(cfg)
			if err != nil {
				t.Fatalf("%s/%s: %v", method, emb, err)
			}
			x := tensor.RandomNormal([]int{3, 1, cfg.NChannels, cfg.NTimePoints}, 0, 1, rand.New(rand.NewSource(3)))
			out, err := net.Forward(x)
			if err != nil {
				t.Fatalf("%s/%s: forward: %v", method, emb, err)
			}
			if !tensor.ShapesEqual(out.Shape, []int{3, cfg.OutputSize()}) {
				t.Errorf("%s/%s: output %v", method, emb, out.Shape)
			}
			if net.Spec().TotalParameters == 0 || net.Summary() == "" {
				t.Errorf("%s/%s: empty spec", method, emb)
			}
		}
	}
}

func TestNetworkRejectsWrongInput(t *testing.T) {
	net, err := New(smallConfig(TransformerClassification))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := net.Forward(tensor.Zeros([]int{2, 1, 5, 24})); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := smallConfig(TransformerClassification)
	cfg.NumHeads = 3
	if _, err := New(cfg); err == nil {
		t.Error("expected error when num_heads does not divide emb_size")
	}
	cfg = smallConfig(TransformerClassification)
	cfg.Device = "cuda"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unsupported device")
	}
}

func TestSeedDeterminesWeights(t *testing.T) {
	a, _ := New(smallConfig(TransformerClassification))
	b, _ := New(smallConfig(TransformerClassification))
	pa, pb := a.Parameters(), b.Parameters()
	for i := range pa {
		for j := range pa[i].Data {
			if pa[i].Data[j] != pb[i].Data[j] {
				t.Fatalf("parameter %s differs", pa[i].Name())
			}
		}
	}
	names := map[string]bool{}
	for _, p := range a.State() {
		if p.Name() == "" || names[p.Name()] {
			t.Errorf("parameter name %q empty or duplicated", p.Name())
		}
		names[p.Name()] = true
	}
}

func TestLoadConfigKeepsBaseValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte(`{"emb_size": 32, "method": "transformer_classification"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	base := smallConfig(TransformerDetection)
	cfg, err := LoadConfig(path, base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EmbSize != 32 || cfg.Method != TransformerClassification {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.NumHeads != base.NumHeads || cfg.NChannels != base.NChannels {
		t.Errorf("base values lost: %+v", cfg)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"), base); err == nil {
		t.Error("expected error for missing file")
	}
}
