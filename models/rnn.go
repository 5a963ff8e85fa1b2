package models

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/layers"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// AttentionPool collapses [B,T,H] hidden states into [B,H] with additive attention:
// weights = softmax_t(v . tanh(W h_t + b))
type AttentionPool struct {
	name     string
	hidden   int
	proj     *layers.Linear
	score    *layers.Linear
	training bool
	lastAttn *tensor.Tensor
}

func NewAttentionPool(name string, hidden int, rng *rand.Rand) (*AttentionPool, error) {
	proj, err := layers.NewLinear(name+".proj", hidden, hidden, true, rng)
	if err != nil {
		return nil, err
	}
	score, err := layers.NewLinear(name+".score", hidden, 1, false, rng)
	if err != nil {
		return nil, err
	}
	return &AttentionPool{name: name, hidden: hidden, proj: proj, score: score, training: true}, nil
}

func (a *AttentionPool) Forward(hs *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := a.OutputShape(hs.Shape); err != nil {
		return nil, err
	}
	return layers.Guard(func() (*tensor.Tensor, error) {
		b, steps := hs.Shape[0], hs.Shape[1]
		u, err := a.proj.Forward(hs)
		if err != nil {
			return nil, err
		}
		e, err := a.score.Forward(tensor.Tanh(u))
		if err != nil {
			return nil, err
		}
		weights := tensor.Softmax(tensor.Reshape(e, b, 1, steps))
		a.lastAttn = weights.Detach()
		return tensor.Reshape(tensor.MatMul(weights, hs), b, a.hidden), nil
	})
}

// Weights returns the attention distribution over time of the last forward pass
func (a *AttentionPool) Weights() *tensor.Tensor { return a.lastAttn }

func (a *AttentionPool) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 || in[2] != a.hidden {
		return nil, fmt.Errorf("%s: %w: expected [B,T,%d], got %v", a.name, tensor.ErrShapeMismatch, a.hidden, in)
	}
	return []int{in[0], a.hidden}, nil
}

func (a *AttentionPool) Describe() layers.LayerSpec {
	return layers.LayerSpec{Type: layers.Custom, Name: a.name, Parameters: map[string]interface{}{"block": "attention_pool"}}
}

func (a *AttentionPool) Parameters() []*tensor.Tensor {
	return layers.ParameterTensors(a.proj, a.score)
}

func (a *AttentionPool) Train()           { a.training = true }
func (a *AttentionPool) Eval()            { a.training = false }
func (a *AttentionPool) IsTraining() bool { return a.training }

// newRNNSelfAttention builds LSTM over time -> attention pooling -> linear classifier
func newRNNSelfAttention(cfg Config, rng *rand.Rand) (*Network, error) {
	lstm, err := layers.NewLSTM("rnn.lstm", cfg.NChannels, cfg.HiddenSize, rng)
	if err != nil {
		return nil, err
	}
	pool, err := NewAttentionPool("rnn.attention", cfg.HiddenSize, rng)
	if err != nil {
		return nil, err
	}
	classifier, err := layers.NewLinear("rnn.classifier", cfg.HiddenSize, cfg.NClasses, true, rng)
	if err != nil {
		return nil, err
	}
	builder := layers.NewModelBuilder([]int{1, 1, cfg.NChannels, cfg.NTimePoints}).
		Add(layers.NewPermute("rnn.time_major", 0, 1, 3, 2)).
		Add(layers.NewReshape("rnn.squeeze", cfg.NTimePoints, cfg.NChannels)).
		Add(lstm).
		Add(pool).
		Add(classifier)
	net, spec, err := builder.Compile(cfg.Method.String())
	if err != nil {
		return nil, err
	}
	return &Network{cfg: cfg, net: net, spec: spec}, nil
}
