package layers

import (
	"fmt"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// PermuteLayer reorders axes (batch axis included)
type PermuteLayer struct {
	mode
	noParams
	name string
	perm []int
}

func NewPermute(name string, perm ...int) *PermuteLayer {
	return &PermuteLayer{mode: mode{training: true}, name: name, perm: copyShape(perm)}
}

func (p *PermuteLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := p.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return tensor.Permute(input, p.perm...), nil
}

func (p *PermuteLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != len(p.perm) {
		return nil, rankErr("permute "+p.name, in, len(p.perm))
	}
	out := make([]int, len(in))
	seen := make([]bool, len(in))
	for i, axis := range p.perm {
		if axis < 0 || axis >= len(in) || seen[axis] {
			return nil, fmt.Errorf("permute %s: invalid permutation %v", p.name, p.perm)
		}
		seen[axis] = true
		out[i] = in[axis]
	}
	return out, nil
}

func (p *PermuteLayer) Describe() LayerSpec {
	return LayerSpec{Type: Permute, Name: p.name, Parameters: map[string]interface{}{"perm": p.perm}}
}

// ReshapeLayer reshapes every example, keeping the batch axis. One target
// dimension may be -1.
type ReshapeLayer struct {
	mode
	noParams
	name  string
	shape []int
}

func NewReshape(name string, shape ...int) *ReshapeLayer {
	return &ReshapeLayer{mode: mode{training: true}, name: name, shape: copyShape(shape)}
}

func (r *ReshapeLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.OutputShape(input.Shape)
	if err != nil {
		return nil, err
	}
	return tensor.Reshape(input, out...), nil
}

func (r *ReshapeLayer) OutputShape(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, rankErr("reshape "+r.name, in, 1)
	}
	per := 1
	for _, d := range in[1:] {
		per *= d
	}
	out := append([]int{in[0]}, r.shape...)
	known, infer := 1, -1
	for i, d := range r.shape {
		if d == -1 && infer < 0 {
			infer = i + 1
			continue
		}
		if d <= 0 {
			return nil, fmt.Errorf("reshape %s: invalid target %v", r.name, r.shape)
		}
		known *= d
	}
	if infer > 0 {
		if per%known != 0 {
			return nil, fmt.Errorf("reshape %s: %w: cannot reshape %v into %v", r.name, tensor.ErrShapeMismatch, in, r.shape)
		}
		out[infer] = per / known
	} else if known != per {
		return nil, fmt.Errorf("reshape %s: %w: cannot reshape %v into %v", r.name, tensor.ErrShapeMismatch, in, r.shape)
	}
	return out, nil
}

func (r *ReshapeLayer) Describe() LayerSpec {
	return LayerSpec{Type: Reshape, Name: r.name, Parameters: map[string]interface{}{"shape": r.shape}}
}

// MeanReduceLayer averages one axis away
type MeanReduceLayer struct {
	mode
	noParams
	name string
	axis int
}

func NewMeanReduce(name string, axis int) *MeanReduceLayer {
	return &MeanReduceLayer{mode: mode{training: true}, name: name, axis: axis}
}

func (m *MeanReduceLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := m.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return tensor.Mean(input, m.axis), nil
}

func (m *MeanReduceLayer) OutputShape(in []int) ([]int, error) {
	axis := m.axis
	if axis < 0 {
		axis += len(in)
	}
	if axis <= 0 || axis >= len(in) {
		return nil, fmt.Errorf("mean %s: axis %d invalid for %v", m.name, m.axis, in)
	}
	out := append(copyShape(in[:axis]), in[axis+1:]...)
	return out, nil
}

func (m *MeanReduceLayer) Describe() LayerSpec {
	return LayerSpec{Type: MeanReduce, Name: m.name, Parameters: map[string]interface{}{"axis": m.axis}}
}
