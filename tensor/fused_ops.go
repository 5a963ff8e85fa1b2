package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// CrossEntropyOp fuses log-softmax and negative log-likelihood per example
type CrossEntropyOp struct {
	logits  *Tensor
	probs   []float32
	targets []int
}

func (op *CrossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *CrossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	c := op.logits.Shape[1]
	g := Zeros(op.logits.Shape)
	for i, y := range op.targets {
		gi := gradOut.Data[i]
		for k := 0; k < c; k++ {
			p := op.probs[i*c+k]
			if k == y {
				p--
			}
			g.Data[i*c+k] = gi * p
		}
	}
	return []*Tensor{g}
}

// CrossEntropy returns the per-example loss -log softmax(logits)[target] as an [N] tensor
func CrossEntropy(logits *Tensor, targets []int) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy: %w", shapeErr("logits must be [N, C], got %v", logits.Shape))
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return nil, fmt.Errorf("cross entropy: %w", shapeErr("%d targets for %d examples", len(targets), n))
	}
	probs := make([]float32, n*c)
	softmaxRows(logits.Data, probs, c)
	out := Zeros([]int{n})
	for i, y := range targets {
		if y < 0 || y >= c {
			return nil, fmt.Errorf("cross entropy: target %d outside [0, %d)", y, c)
		}
		out.Data[i] = -math32.Log(math32.Max(probs[i*c+y], 1e-12))
	}
	return attach(out, &CrossEntropyOp{logits: logits, probs: probs, targets: append([]int(nil), targets...)}, logits), nil
}

// BCEWithLogitsOp fuses sigmoid and binary cross entropy element-wise
type BCEWithLogitsOp struct {
	logits  *Tensor
	targets []float32
}

func (op *BCEWithLogitsOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *BCEWithLogitsOp) Backward(gradOut *Tensor) []*Tensor {
	g := Zeros(op.logits.Shape)
	for i, x := range op.logits.Data {
		g.Data[i] = gradOut.Data[i] * (sigmoid(x) - op.targets[i])
	}
	return []*Tensor{g}
}

// BCEWithLogits returns the element-wise binary cross entropy of logits against targets in [0, 1]
func BCEWithLogits(logits *Tensor, targets []float32) (*Tensor, error) {
	if len(targets) != logits.NumElems {
		return nil, fmt.Errorf("bce: %w", shapeErr("%d targets for logits %v", len(targets), logits.Shape))
	}
	out := Zeros(logits.Shape)
	for i, x := range logits.Data {
		t := targets[i]
		out.Data[i] = math32.Max(x, 0) - x*t + math32.Log1p(math32.Exp(-math32.Abs(x)))
	}
	return attach(out, &BCEWithLogitsOp{logits: logits, targets: append([]float32(nil), targets...)}, logits), nil
}
