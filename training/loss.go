package training

import (
	"fmt"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Targets are the labels of one batch: a class id per example for
// classification, or NWindows binary flags per example for detection
type Targets struct {
	Classes  []int
	Windows  []float32 // [B*NWindows], nil for classification
	NWindows int
}

// Len is the number of examples
func (t Targets) Len() int {
	if t.Windows != nil {
		return len(t.Windows) / t.NWindows
	}
	return len(t.Classes)
}

// Detection reports whether targets are per-window flags
func (t Targets) Detection() bool { return t.Windows != nil }

// Roll shifts the targets cyclically along the batch so that example i receives
// the target of example (i-shift) mod B
func (t Targets) Roll(shift int) Targets {
	n := t.Len()
	out := Targets{NWindows: t.NWindows}
	if t.Classes != nil {
		out.Classes = make([]int, len(t.Classes))
		for i := range t.Classes {
			out.Classes[i] = t.Classes[rollIndex(i, shift, n)]
		}
	}
	if t.Windows != nil {
		out.Windows = make([]float32, len(t.Windows))
		for i := 0; i < n; i++ {
			src := rollIndex(i, shift, n)
			copy(out.Windows[i*t.NWindows:(i+1)*t.NWindows], t.Windows[src*t.NWindows:(src+1)*t.NWindows])
		}
	}
	return out
}

func rollIndex(i, shift, n int) int {
	return ((i-shift)%n + n) % n
}

// Loss computes one loss value per example
type Loss interface {
	// PerExample returns a [B] tensor of losses for [B, out] logits
	PerExample(logits *tensor.Tensor, targets Targets) (*tensor.Tensor, error)
	Name() string
}

// CrossEntropyLoss is softmax cross entropy over class logits
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

func (ce *CrossEntropyLoss) PerExample(logits *tensor.Tensor, targets Targets) (*tensor.Tensor, error) {
	if targets.Classes == nil {
		return nil, fmt.Errorf("cross entropy needs class targets")
	}
	return tensor.CrossEntropy(logits, targets.Classes)
}

func (ce *CrossEntropyLoss) Name() string { return "CrossEntropyLoss" }

// BCEWithLogitsLoss is binary cross entropy per window, averaged over the windows of each example
type BCEWithLogitsLoss struct{}

func NewBCEWithLogitsLoss() *BCEWithLogitsLoss { return &BCEWithLogitsLoss{} }

func (b *BCEWithLogitsLoss) PerExample(logits *tensor.Tensor, targets Targets) (*tensor.Tensor, error) {
	if !targets.Detection() {
		return nil, fmt.Errorf("binary cross entropy needs window targets")
	}
	if len(logits.Shape) != 2 || logits.Shape[1] != targets.NWindows {
		return nil, fmt.Errorf("%w: logits %v for %d windows", tensor.ErrShapeMismatch, logits.Shape, targets.NWindows)
	}
	perWindow, err := tensor.BCEWithLogits(logits, targets.Windows)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(perWindow, 1), nil
}

func (b *BCEWithLogitsLoss) Name() string { return "BCEWithLogitsLoss" }

// CostSensitive adds Lambda * sum_k M[y,k] * p_k to every example, with
// M[y,k] = |y - k| and p the predicted class distribution. Confusing distant
// classes is thus penalised more than confusing neighbours. For detection the
// penalty is the mean over windows of |y - sigmoid(logit)|.
type CostSensitive struct {
	Base   Loss
	Lambda float32
}

func NewCostSensitive(base Loss, lambda float32) *CostSensitive {
	return &CostSensitive{Base: base, Lambda: lambda}
}

func (cs *CostSensitive) PerExample(logits *tensor.Tensor, targets Targets) (*tensor.Tensor, error) {
	base, err := cs.Base.PerExample(logits, targets)
	if err != nil {
		return nil, err
	}
	var penalty *tensor.Tensor
	if targets.Detection() {
		// |y - p| = p + y - 2yp for y in {0, 1}
		p := tensor.Sigmoid(logits)
		y := tensor.MustNew(logits.Shape, targets.Windows)
		oneMinus2y := tensor.AddScalar(tensor.Scale(y, -2), 1)
		penalty = tensor.Mean(tensor.Add(tensor.Mul(p, oneMinus2y), y), 1)
	} else {
		b, c := logits.Shape[0], logits.Shape[1]
		cost := make([]float32, b*c)
		for i, y := range targets.Classes {
			for k := 0; k < c; k++ {
				d := y - k
				if d < 0 {
					d = -d
				}
				cost[i*c+k] = float32(d)
			}
		}
		p := tensor.Softmax(logits)
		penalty = tensor.Sum(tensor.Mul(p, tensor.MustNew([]int{b, c}, cost)), 1)
	}
	return tensor.Add(base, tensor.Scale(penalty, cs.Lambda)), nil
}

func (cs *CostSensitive) Name() string { return "CostSensitive(" + cs.Base.Name() + ")" }

// NewLoss returns BCE-with-logits for detection and cross entropy otherwise,
// wrapped in CostSensitive when lambda is positive
func NewLoss(detection bool, lambda float32) Loss {
	var base Loss = NewCrossEntropyLoss()
	if detection {
		base = NewBCEWithLogitsLoss()
	}
	if lambda > 0 {
		return NewCostSensitive(base, lambda)
	}
	return base
}
