package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

func TestMixerLambdasAreFolded(t *testing.T) {
	for _, beta := range []float64{0.2, 0.4, 1, 5} {
		m, err := NewMixer(beta, 7)
		if err != nil {
			t.Fatal(err)
		}
		for _, l := range m.Lambdas(1000) {
			if l < 0.5 || l > 1 {
				t.Fatalf("beta %v: lambda %v outside [0.5, 1]", beta, l)
			}
		}
	}
	if _, err := NewMixer(0, 1); err == nil {
		t.Error("expected error for non-positive beta")
	}
}

func TestMixerShiftInRange(t *testing.T) {
	m, _ := NewMixer(0.4, 3)
	for i := 0; i < 200; i++ {
		if s := m.Shift(5); s < 0 || s >= 5 {
			t.Fatalf("shift %d outside [0, 5)", s)
		}
	}
}

func TestTargetsRoll(t *testing.T) {
	tests := []struct {
		shift int
		want  []int
	}{
		{0, []int{0, 1, 2, 3}},
		{1, []int{3, 0, 1, 2}},
		{3, []int{1, 2, 3, 0}},
		{5, []int{3, 0, 1, 2}},
	}
	for _, tt := range tests {
		got := Targets{Classes: []int{0, 1, 2, 3}}.Roll(tt.shift).Classes
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("shift %d: got %v, want %v", tt.shift, got, tt.want)
				break
			}
		}
	}

	w := Targets{Windows: []float32{1, 0, 0, 0, 0, 1}, NWindows: 2}.Roll(1)
	want := []float32{0, 1, 1, 0, 0, 0}
	for i := range want {
		if w.Windows[i] != want[i] {
			t.Fatalf("rolled windows %v, want %v", w.Windows, want)
		}
	}
}

func TestMixWith(t *testing.T) {
	x := tensor.MustNew([]int{3, 2}, []float32{1, 1, 2, 2, 3, 3})
	same := MixWith(x, []float32{1, 1, 1}, 1)
	for i, v := range same.Data {
		if v != x.Data[i] {
			t.Fatalf("lambda 1 changed the batch: %v", same.Data)
		}
	}
	half := MixWith(x, []float32{0.5, 0.5, 0.5}, 1)
	// example 0 is mixed with example 2
	want := []float32{2, 2, 1.5, 1.5, 2.5, 2.5}
	for i := range want {
		if math.Abs(float64(half.Data[i]-want[i])) > 1e-6 {
			t.Fatalf("mixed batch %v, want %v", half.Data, want)
		}
	}
}

func sumOf(t *testing.T, x *tensor.Tensor) float64 {
	t.Helper()
	v, err := tensor.SumAll(x).Item()
	if err != nil {
		t.Fatal(err)
	}
	return float64(v)
}

func TestMixedLossEndpoints(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	logits := tensor.RandomNormal([]int{4, 3}, 0, 1, rng)
	targets := Targets{Classes: []int{0, 2, 1, 1}}
	loss := NewCrossEntropyLoss()

	own, err := loss.PerExample(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	rolled, err := loss.PerExample(logits, targets.Roll(1))
	if err != nil {
		t.Fatal(err)
	}

	full, err := MixedLoss(loss, logits, targets, []float32{1, 1, 1, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sumOf(t, full), sumOf(t, own); math.Abs(got-want) > 1e-5 {
		t.Errorf("lambda 1: mixed loss %v, own loss %v", got, want)
	}

	half, err := MixedLoss(loss, logits, targets, []float32{0.5, 0.5, 0.5, 0.5}, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.5*sumOf(t, own) + 0.5*sumOf(t, rolled)
	if got := sumOf(t, half); math.Abs(got-want) > 1e-5 {
		t.Errorf("lambda 0.5: mixed loss %v, want %v", got, want)
	}
}

func TestMixedLossIsSummed(t *testing.T) {
	logits := tensor.Zeros([]int{4, 2})
	targets := Targets{Classes: []int{0, 1, 0, 1}}
	loss, err := MixedLoss(NewCrossEntropyLoss(), logits, targets, []float32{0.7, 0.7, 0.7, 0.7}, 2)
	if err != nil {
		t.Fatal(err)
	}
	// every example contributes ln 2 regardless of its label
	if got, want := sumOf(t, loss), 4*math.Ln2; math.Abs(got-want) > 1e-5 {
		t.Errorf("mixed loss %v, want %v", got, want)
	}
}
