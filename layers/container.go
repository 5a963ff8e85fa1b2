package layers

import (
	"fmt"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// SequentialLayer runs its stages in order
type SequentialLayer struct {
	name   string
	stages []Stage
}

// NewSequential composes stages into one stage
func NewSequential(name string, stages ...Stage) *SequentialLayer {
	return &SequentialLayer{name: name, stages: stages}
}

func (s *SequentialLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return Guard(func() (*tensor.Tensor, error) {
		x := input
		for i, stage := range s.stages {
			out, err := stage.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", s.name, i, err)
			}
			x = out
		}
		return x, nil
	})
}

func (s *SequentialLayer) OutputShape(in []int) ([]int, error) {
	shape := in
	for i, stage := range s.stages {
		out, err := stage.OutputShape(shape)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", s.name, i, err)
		}
		shape = out
	}
	return shape, nil
}

func (s *SequentialLayer) Describe() LayerSpec {
	names := make([]string, len(s.stages))
	for i, stage := range s.stages {
		names[i] = stage.Describe().Name
	}
	return LayerSpec{Type: Sequential, Name: s.name, Parameters: map[string]interface{}{"stages": names}}
}

func (s *SequentialLayer) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, stage := range s.stages {
		params = append(params, stage.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) Buffers() []*tensor.Tensor {
	var bufs []*tensor.Tensor
	for _, stage := range s.stages {
		bufs = append(bufs, Buffers(stage)...)
	}
	return bufs
}

func (s *SequentialLayer) Train() {
	for _, stage := range s.stages {
		stage.Train()
	}
}

func (s *SequentialLayer) Eval() {
	for _, stage := range s.stages {
		stage.Eval()
	}
}

func (s *SequentialLayer) IsTraining() bool {
	for _, stage := range s.stages {
		if stage.IsTraining() {
			return true
		}
	}
	return false
}

// Stages returns the composed stages in execution order
func (s *SequentialLayer) Stages() []Stage {
	return s.stages
}

// ResidualLayer adds its input to the output of the wrapped stage
type ResidualLayer struct {
	name  string
	inner Stage
}

func NewResidual(name string, inner Stage) *ResidualLayer {
	return &ResidualLayer{name: name, inner: inner}
}

func (r *ResidualLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.inner.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	return Guard(func() (*tensor.Tensor, error) {
		return tensor.Add(out, input), nil
	})
}

func (r *ResidualLayer) OutputShape(in []int) ([]int, error) {
	out, err := r.inner.OutputShape(in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	if !tensor.ShapesEqual(out, in) {
		return nil, fmt.Errorf("%s: %w: residual branch maps %v to %v", r.name, tensor.ErrShapeMismatch, in, out)
	}
	return out, nil
}

func (r *ResidualLayer) Describe() LayerSpec {
	return LayerSpec{Type: Residual, Name: r.name, Parameters: map[string]interface{}{"inner": r.inner.Describe().Name}}
}

func (r *ResidualLayer) Parameters() []*tensor.Tensor { return r.inner.Parameters() }
func (r *ResidualLayer) Buffers() []*tensor.Tensor    { return Buffers(r.inner) }
func (r *ResidualLayer) Train()                       { r.inner.Train() }
func (r *ResidualLayer) Eval()                        { r.inner.Eval() }
func (r *ResidualLayer) IsTraining() bool             { return r.inner.IsTraining() }
