package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// MultiHeadAttentionLayer is scaled dot-product self-attention over the sequence axis
// of [B, S, E] input
type MultiHeadAttentionLayer struct {
	mode
	name     string
	embSize  int
	numHeads int
	headDim  int
	query    *Linear
	key      *Linear
	value    *Linear
	out      *Linear
	attnDrop *DropoutLayer
}

// NewMultiHeadAttention fails when numHeads does not divide embSize
func NewMultiHeadAttention(name string, embSize, numHeads int, dropout float32, rng *rand.Rand) (*MultiHeadAttentionLayer, error) {
	if numHeads <= 0 || embSize%numHeads != 0 {
		return nil, fmt.Errorf("attention %s: num_heads %d must divide emb_size %d", name, numHeads, embSize)
	}
	m := &MultiHeadAttentionLayer{
		mode:     mode{training: true},
		name:     name,
		embSize:  embSize,
		numHeads: numHeads,
		headDim:  embSize / numHeads,
	}
	var err error
	if m.query, err = NewLinear(name+".query", embSize, embSize, true, rng); err != nil {
		return nil, err
	}
	if m.key, err = NewLinear(name+".key", embSize, embSize, true, rng); err != nil {
		return nil, err
	}
	if m.value, err = NewLinear(name+".value", embSize, embSize, true, rng); err != nil {
		return nil, err
	}
	if m.out, err = NewLinear(name+".projection", embSize, embSize, true, rng); err != nil {
		return nil, err
	}
	if m.attnDrop, err = NewDropout(name+".att_drop", dropout, rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MultiHeadAttentionLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := m.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return Guard(func() (*tensor.Tensor, error) {
		b, s := input.Shape[0], input.Shape[1]
		heads := func(l *Linear) (*tensor.Tensor, error) {
			p, err := l.Forward(input)
			if err != nil {
				return nil, err
			}
			return tensor.Permute(tensor.Reshape(p, b, s, m.numHeads, m.headDim), 0, 2, 1, 3), nil
		}
		q, err := heads(m.query)
		if err != nil {
			return nil, err
		}
		k, err := heads(m.key)
		if err != nil {
			return nil, err
		}
		v, err := heads(m.value)
		if err != nil {
			return nil, err
		}
		// [B, H, S, S]
		energy := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k, 2, 3)), float32(1/math.Sqrt(float64(m.headDim))))
		att, err := m.attnDrop.Forward(tensor.Softmax(energy))
		if err != nil {
			return nil, err
		}
		ctx := tensor.Reshape(tensor.Permute(tensor.MatMul(att, v), 0, 2, 1, 3), b, s, m.embSize)
		return m.out.Forward(ctx)
	})
}

func (m *MultiHeadAttentionLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, rankErr("attention "+m.name, in, 3)
	}
	if in[2] != m.embSize {
		return nil, fmt.Errorf("attention %s: %w: expected emb_size %d, got %v", m.name, tensor.ErrShapeMismatch, m.embSize, in)
	}
	return copyShape(in), nil
}

func (m *MultiHeadAttentionLayer) Describe() LayerSpec {
	return LayerSpec{Type: MultiHeadAttention, Name: m.name, Parameters: map[string]interface{}{
		"emb_size":  m.embSize,
		"num_heads": m.numHeads,
		"dropout":   m.attnDrop.rate,
	}}
}

func (m *MultiHeadAttentionLayer) Parameters() []*tensor.Tensor {
	return ParameterTensors(m.query, m.key, m.value, m.out)
}

func (m *MultiHeadAttentionLayer) Train() {
	m.training = true
	m.attnDrop.Train()
}

func (m *MultiHeadAttentionLayer) Eval() {
	m.training = false
	m.attnDrop.Eval()
}

// NewFeedForward builds Linear(E, expansion*E) -> Mish -> Dropout -> Linear(expansion*E, E)
func NewFeedForward(name string, embSize, expansion int, dropout float32, rng *rand.Rand) (*SequentialLayer, error) {
	if expansion <= 0 {
		return nil, fmt.Errorf("feedforward %s: invalid expansion %d", name, expansion)
	}
	hidden := expansion * embSize
	up, err := NewLinear(name+".0", embSize, hidden, true, rng)
	if err != nil {
		return nil, err
	}
	drop, err := NewDropout(name+".2", dropout, rng)
	if err != nil {
		return nil, err
	}
	down, err := NewLinear(name+".3", hidden, embSize, true, rng)
	if err != nil {
		return nil, err
	}
	return NewSequential(name, up, NewMish(name+".1"), drop, down), nil
}
