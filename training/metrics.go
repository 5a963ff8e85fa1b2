package training

import (
	"fmt"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary classification metrics, class 1 is positive
	Precision MetricType = iota
	Recall
	F1Score

	// Multi-class metrics, unweighted mean over the classes present
	MacroPrecision
	MacroRecall
	MacroF1

	// Per-class F1 weighted by support
	WeightedF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case WeightedF1:
		return "WeightedF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// Average selects how precision, recall and F1 are reduced over classes
type Average int

const (
	AverageBinary Average = iota
	AverageMacro
	AverageWeighted
)

func (a Average) String() string {
	switch a {
	case AverageBinary:
		return "binary"
	case AverageMacro:
		return "macro"
	case AverageWeighted:
		return "weighted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// ParseAverage maps "binary", "macro" or "weighted" onto an Average
func ParseAverage(name string) (Average, error) {
	for _, a := range []Average{AverageBinary, AverageMacro, AverageWeighted} {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown average %q", name)
}

// ConfusionMatrix accumulates [true_class][predicted_class] counts over an epoch
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one (label, prediction) pair per example
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions length mismatch: %d predictions, %d labels", len(predictions), len(labels))
	}
	for i, p := range predictions {
		l := labels[i]
		if l < 0 || l >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class index out of range: label %d, prediction %d, %d classes", l, p, cm.NumClasses)
		}
		cm.Matrix[l][p]++
		cm.TotalSamples++
	}
	return nil
}

// Correct is the number of examples on the diagonal
func (cm *ConfusionMatrix) Correct() int {
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return correct
}

// Accuracy is floor(100 * correct / total). It returns ErrEmptyEpoch when no
// example was recorded.
func (cm *ConfusionMatrix) Accuracy() (int, error) {
	if cm.TotalSamples == 0 {
		return 0, ErrEmptyEpoch
	}
	return 100 * cm.Correct() / cm.TotalSamples, nil
}

// classStats returns true positives, predicted positives and actual positives for class c
func (cm *ConfusionMatrix) classStats(c int) (tp, predicted, actual int) {
	tp = cm.Matrix[c][c]
	for k := 0; k < cm.NumClasses; k++ {
		predicted += cm.Matrix[k][c]
		actual += cm.Matrix[c][k]
	}
	return tp, predicted, actual
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// classMetrics returns per-class precision, recall, F1 and support, plus which
// classes occur among labels or predictions
func (cm *ConfusionMatrix) classMetrics() (precision, recall, f1s []float64, support []int, present []bool) {
	n := cm.NumClasses
	precision, recall, f1s = make([]float64, n), make([]float64, n), make([]float64, n)
	support, present = make([]int, n), make([]bool, n)
	for c := 0; c < n; c++ {
		tp, predicted, actual := cm.classStats(c)
		precision[c] = ratio(tp, predicted)
		recall[c] = ratio(tp, actual)
		f1s[c] = f1(precision[c], recall[c])
		support[c] = actual
		present[c] = predicted > 0 || actual > 0
	}
	return precision, recall, f1s, support, present
}

func macro(values []float64, present []bool) float64 {
	var sum float64
	var n int
	for c, v := range values {
		if present[c] {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// GetMetric computes the requested metric from the accumulated counts.
// Binary metrics need exactly two classes and return 0 otherwise.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	precision, recall, f1s, support, present := cm.classMetrics()
	switch metric {
	case Precision, Recall, F1Score:
		if cm.NumClasses != 2 {
			return 0
		}
		switch metric {
		case Precision:
			return precision[1]
		case Recall:
			return recall[1]
		default:
			return f1s[1]
		}
	case MacroPrecision:
		return macro(precision, present)
	case MacroRecall:
		return macro(recall, present)
	case MacroF1:
		return macro(f1s, present)
	case WeightedF1:
		var sum float64
		var total int
		for c, s := range support {
			sum += f1s[c] * float64(s)
			total += s
		}
		if total == 0 {
			return 0
		}
		return sum / float64(total)
	default:
		return 0
	}
}

// Scores returns precision, recall and F1 reduced with avg. The binary average
// falls back to macro when there are more than two classes.
func (cm *ConfusionMatrix) Scores(avg Average) (precision, recall, f1 float64) {
	switch {
	case avg == AverageBinary && cm.NumClasses == 2:
		return cm.GetMetric(Precision), cm.GetMetric(Recall), cm.GetMetric(F1Score)
	case avg == AverageWeighted:
		p, r, _, support, _ := cm.classMetrics()
		var wp, wr float64
		var total int
		for c, s := range support {
			wp += p[c] * float64(s)
			wr += r[c] * float64(s)
			total += s
		}
		if total == 0 {
			return 0, 0, 0
		}
		return wp / float64(total), wr / float64(total), cm.GetMetric(WeightedF1)
	default:
		return cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall), cm.GetMetric(MacroF1)
	}
}
