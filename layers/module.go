package layers

import (
	"errors"
	"fmt"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Stage is a Module that can be placed in a ModelBuilder. OutputShape must agree with
// the shape Forward produces for an input of shape in (batch axis first).
type Stage interface {
	Module
	OutputShape(in []int) ([]int, error)
	Describe() LayerSpec
}

// BufferHolder is implemented by modules carrying non-learnable state that must be
// checkpointed alongside the parameters (e.g. BatchNorm running statistics)
type BufferHolder interface {
	Buffers() []*tensor.Tensor
}

// Buffers collects the buffers of m if it has any
func Buffers(m Module) []*tensor.Tensor {
	if bh, ok := m.(BufferHolder); ok {
		return bh.Buffers()
	}
	return nil
}

// mode carries the training flag shared by every layer
type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// noParams is embedded by stateless layers
type noParams struct{}

func (noParams) Parameters() []*tensor.Tensor { return nil }

// Guard runs fn and converts shape-mismatch panics raised by tensor ops into errors
func Guard(fn func() (*tensor.Tensor, error)) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, tensor.ErrShapeMismatch) {
				out, err = nil, e
				return
			}
			panic(r)
		}
	}()
	return fn()
}

// CountParameters returns the number of scalar weights in params
func CountParameters(params []*tensor.Tensor) int64 {
	var n int64
	for _, p := range params {
		n += int64(p.NumElems)
	}
	return n
}

func rankErr(layer string, in []int, rank int) error {
	return fmt.Errorf("%s: %w: expected rank %d input, got %v", layer, tensor.ErrShapeMismatch, rank, in)
}

func copyShape(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	return out
}
