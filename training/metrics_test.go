package training

import (
	"errors"
	"math"
	"testing"
)

func TestConfusionMatrixAccuracyFloors(t *testing.T) {
	tests := []struct {
		preds, labels []int
		want          int
	}{
		{[]int{0, 1, 1}, []int{0, 1, 0}, 66},
		{[]int{0, 1, 1, 0, 1}, []int{0, 1, 0, 0, 1}, 80},
		{[]int{1, 1, 1}, []int{0, 0, 0}, 0},
		{[]int{0, 1}, []int{0, 1}, 100},
	}
	for _, tt := range tests {
		cm := NewConfusionMatrix(2)
		if err := cm.Update(tt.preds, tt.labels); err != nil {
			t.Fatal(err)
		}
		got, err := cm.Accuracy()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("accuracy(%v, %v) = %d, want %d", tt.preds, tt.labels, got, tt.want)
		}
	}
}

func TestConfusionMatrixEmpty(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if _, err := cm.Accuracy(); !errors.Is(err, ErrEmptyEpoch) {
		t.Errorf("expected ErrEmptyEpoch, got %v", err)
	}
	if f := cm.GetMetric(MacroF1); f != 0 {
		t.Errorf("empty macro F1 %v", f)
	}
}

func TestConfusionMatrixScores(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if err := cm.Update([]int{0, 1, 1, 0, 1}, []int{0, 1, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		metric MetricType
		want   float64
	}{
		{Precision, 2.0 / 3},
		{Recall, 1},
		{F1Score, 0.8},
		{MacroPrecision, (1 + 2.0/3) / 2},
		{MacroRecall, (2.0/3 + 1) / 2},
		{MacroF1, 0.8},
		{WeightedF1, 0.8},
	}
	for _, tt := range tests {
		if got := cm.GetMetric(tt.metric); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", tt.metric, got, tt.want)
		}
	}

	p, r, f := cm.Scores(AverageBinary)
	if p != cm.GetMetric(Precision) || r != cm.GetMetric(Recall) || f != cm.GetMetric(F1Score) {
		t.Errorf("binary scores %v %v %v", p, r, f)
	}
}

func TestMacroIgnoresAbsentClasses(t *testing.T) {
	cm := NewConfusionMatrix(3)
	if err := cm.Update([]int{0, 1, 1}, []int{0, 1, 1}); err != nil {
		t.Fatal(err)
	}
	if got := cm.GetMetric(MacroF1); got != 1 {
		t.Errorf("macro F1 %v, want 1 over the two present classes", got)
	}
	// binary falls back to macro with more than two classes
	_, _, f := cm.Scores(AverageBinary)
	if f != 1 {
		t.Errorf("binary F1 on 3 classes %v", f)
	}
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if err := cm.Update([]int{0}, []int{0, 1}); err == nil {
		t.Error("expected length mismatch error")
	}
	if err := cm.Update([]int{2}, []int{0}); err == nil {
		t.Error("expected out of range error")
	}
}

func TestParseAverage(t *testing.T) {
	for _, a := range []Average{AverageBinary, AverageMacro, AverageWeighted} {
		got, err := ParseAverage(a.String())
		if err != nil || got != a {
			t.Errorf("ParseAverage(%s) = %v, %v", a, got, err)
		}
	}
	if _, err := ParseAverage("micro"); err == nil {
		t.Error("expected error for unknown average")
	}
}
