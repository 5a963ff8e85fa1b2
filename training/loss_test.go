package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

func item(t *testing.T, x *tensor.Tensor, i int) float64 {
	t.Helper()
	return float64(x.Data[i])
}

func TestCostSensitivePenalty(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		classes []int
		want    []float64
	}{
		// uniform over two classes: CE ln 2, penalty 0.5
		{"binary", []float32{0, 0, 0, 0}, []int{0, 1}, []float64{math.Ln2 + 0.05, math.Ln2 + 0.05}},
		// uniform over three classes: class 0 pays (0+1+2)/3, class 1 pays (1+0+1)/3
		{"ordinal", []float32{0, 0, 0, 0, 0, 0}, []int{0, 1}, []float64{math.Log(3) + 0.1, math.Log(3) + 0.1*2/3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := len(tt.classes)
			logits := tensor.MustNew([]int{b, len(tt.logits) / b}, tt.logits)
			loss, err := NewLoss(false, 0.1).PerExample(logits, Targets{Classes: tt.classes})
			if err != nil {
				t.Fatal(err)
			}
			for i, want := range tt.want {
				if got := item(t, loss, i); math.Abs(got-want) > 1e-5 {
					t.Errorf("example %d: loss %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestBCEWithLogitsPerExample(t *testing.T) {
	logits := tensor.MustNew([]int{2, 2}, []float32{0, 0, 0, 0})
	targets := Targets{Windows: []float32{1, 0, 0, 0}, NWindows: 2}
	loss, err := NewLoss(true, 0).PerExample(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(loss.Shape, []int{2}) {
		t.Fatalf("loss shape %v", loss.Shape)
	}
	for i := 0; i < 2; i++ {
		if got := item(t, loss, i); math.Abs(got-math.Ln2) > 1e-5 {
			t.Errorf("example %d: loss %v, want ln 2", i, got)
		}
	}

	cs, err := NewLoss(true, 1).PerExample(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	// |y - 0.5| is 0.5 in every window
	if got := item(t, cs, 0); math.Abs(got-(math.Ln2+0.5)) > 1e-5 {
		t.Errorf("cost-sensitive detection loss %v", got)
	}

	if _, err := NewLoss(true, 0).PerExample(tensor.Zeros([]int{2, 3}), targets); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if _, err := NewLoss(false, 0).PerExample(logits, targets); err == nil {
		t.Error("cross entropy accepted window targets")
	}
}

func TestNewLossSelection(t *testing.T) {
	tests := []struct {
		detection bool
		lambda    float32
		want      string
	}{
		{false, 0, "CrossEntropyLoss"},
		{true, 0, "BCEWithLogitsLoss"},
		{false, 1e-4, "CostSensitive(CrossEntropyLoss)"},
		{true, 1e-4, "CostSensitive(BCEWithLogitsLoss)"},
	}
	for _, tt := range tests {
		if got := NewLoss(tt.detection, tt.lambda).Name(); got != tt.want {
			t.Errorf("NewLoss(%v, %v) = %s, want %s", tt.detection, tt.lambda, got, tt.want)
		}
	}
}
