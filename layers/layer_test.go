package layers

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{MultiHeadAttention, "MultiHeadAttention"},
		{Custom, "Custom"},
		{LayerType(999), "Unknown"},
	}
	for _, test := range tests {
		if got := test.lt.String(); got != test.expected {
			t.Errorf("LayerType(%d).String() = %s, expected %s", test.lt, got, test.expected)
		}
	}
}

func buildCNN(t *testing.T, rng *rand.Rand) *ModelBuilder {
	t.Helper()
	conv, err := NewConv2D("conv", 1, 4, [2]int{1, 5}, [2]int{1, 2}, [2]int{0, 2}, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	bn, err := NewBatchNorm2D("bn", 4)
	if err != nil {
		t.Fatal(err)
	}
	fc, err := NewLinear("fc", 4*3*10, 2, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	return NewModelBuilder([]int{6, 1, 3, 20}).
		Add(conv).
		Add(bn).
		Add(NewLeakyReLU("act", 0.2)).
		Add(NewReshape("flatten", -1)).
		Add(fc)
}

func TestCompilePropagatesShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	model, spec, err := buildCNN(t, rng).Compile("cnn")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !tensor.ShapesEqual(spec.OutputShape, []int{6, 2}) {
		t.Errorf("output shape %v", spec.OutputShape)
	}
	if !tensor.ShapesEqual(spec.Layers[0].OutputShape, []int{6, 4, 3, 10}) {
		t.Errorf("conv output %v", spec.Layers[0].OutputShape)
	}
	if spec.TotalParameters != CountParameters(model.Parameters()) {
		t.Errorf("parameter count %d vs %d", spec.TotalParameters, CountParameters(model.Parameters()))
	}
	if !strings.Contains(spec.Summary(), "Total Parameters") {
		t.Error("summary missing totals")
	}

	x := tensor.RandomNormal([]int{6, 1, 3, 20}, 0, 1, rng)
	out, err := model.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(out.Shape, spec.OutputShape) {
		t.Errorf("forward shape %v, compiled %v", out.Shape, spec.OutputShape)
	}
	if len(Buffers(model)) != 2 {
		t.Errorf("expected batchnorm running statistics as buffers")
	}
}

func TestCompileFailsFast(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	fc, _ := NewLinear("fc", 7, 2, true, rng)
	_, _, err := NewModelBuilder([]int{2, 5}).Add(fc).Compile("bad")
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if _, _, err := NewModelBuilder([]int{2, 5}).Compile("empty"); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestMultiHeadAttentionValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	if _, err := NewMultiHeadAttention("mha", 10, 3, 0, rng); err == nil {
		t.Error("expected error when heads do not divide emb size")
	}
	mha, err := NewMultiHeadAttention("mha", 8, 2, 0.1, rng)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.RandomNormal([]int{3, 5, 8}, 0, 1, rng)
	out, err := mha.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(out.Shape, x.Shape) {
		t.Errorf("attention changed shape to %v", out.Shape)
	}
	if _, err := mha.Forward(tensor.Zeros([]int{3, 5, 4})); err == nil {
		t.Error("expected error for wrong embedding size")
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	d, err := NewDropout("drop", 0.5, rng)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.Ones([]int{100})
	d.Eval()
	out, _ := d.Forward(x)
	if out != x {
		t.Error("eval dropout should pass input through")
	}
	d.Train()
	out, _ = d.Forward(x)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else if v != 2 {
			t.Fatalf("kept value %f, want 2", v)
		}
	}
	if zeros == 0 || zeros == 100 {
		t.Errorf("unexpected number of dropped elements: %d", zeros)
	}
	if _, err := NewDropout("bad", 1, rng); err == nil {
		t.Error("expected error for rate 1")
	}
}

func TestResidualRequiresMatchingShape(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	fc, _ := NewLinear("fc", 4, 3, true, rng)
	if _, err := NewResidual("res", fc).OutputShape([]int{2, 4}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	ff, err := NewFeedForward("ff", 4, 2, 0, rng)
	if err != nil {
		t.Fatal(err)
	}
	res := NewResidual("res", ff)
	x := tensor.RandomNormal([]int{2, 3, 4}, 0, 1, rng)
	out, err := res.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(out.Shape, x.Shape) {
		t.Errorf("residual output %v", out.Shape)
	}
}

func TestInitializersAreSeeded(t *testing.T) {
	a, _ := NewLinear("a", 8, 8, true, rand.New(rand.NewSource(9)))
	b, _ := NewLinear("b", 8, 8, true, rand.New(rand.NewSource(9)))
	for i := range a.Weight().Data {
		if a.Weight().Data[i] != b.Weight().Data[i] {
			t.Fatal("same seed produced different weights")
		}
	}
	a.Reinit(XavierNormal, rand.New(rand.NewSource(10)))
	for _, v := range a.Parameters()[1].Data {
		if v != 0 {
			t.Fatal("reinit should zero the bias")
		}
	}
}
