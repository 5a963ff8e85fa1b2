package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/layers"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// ChannelAttention re-weights the channels of [B,1,C,T] trials with a C x C affinity
// matrix computed from time-pooled query and key projections. The raw trial is the
// value: output channel c is sum_m score[c,m] * x[m].
type ChannelAttention struct {
	name       string
	channels   int
	timePoints int
	pooledLen  int
	scaling    float32

	query      *layers.SequentialLayer
	key        *layers.SequentialLayer
	pool       *layers.AvgPoolLayer
	scoreDrop  *layers.DropoutLayer
	projection *layers.SequentialLayer

	training   bool
	lastScores *tensor.Tensor
}

// NewChannelAttention fails when the pooling window does not fit the trial length
func NewChannelAttention(name string, channels, timePoints int, dropout, scoreDropout float32, kernel, stride int, rng *rand.Rand) (*ChannelAttention, error) {
	if kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("%s: invalid pooling kernel %d or stride %d", name, kernel, stride)
	}
	pooledLen := (timePoints-kernel)/stride + 1
	if timePoints < kernel || pooledLen < 1 {
		return nil, fmt.Errorf("%s: pooling kernel %d with stride %d leaves no time steps out of %d", name, kernel, stride, timePoints)
	}

	ca := &ChannelAttention{
		name:       name,
		channels:   channels,
		timePoints: timePoints,
		pooledLen:  pooledLen,
		scaling:    float32(math.Sqrt(float64(pooledLen))),
		training:   true,
	}
	var err error
	if ca.query, err = ca.projectionBlock(name+".query", false, dropout, rng); err != nil {
		return nil, err
	}
	if ca.key, err = ca.projectionBlock(name+".key", false, dropout, rng); err != nil {
		return nil, err
	}
	if ca.projection, err = ca.projectionBlock(name+".projection", true, dropout, rng); err != nil {
		return nil, err
	}
	if ca.pool, err = layers.NewAvgPool(name+".pooling", kernel, stride); err != nil {
		return nil, err
	}
	if ca.scoreDrop, err = layers.NewDropout(name+".dropout", scoreDropout, rng); err != nil {
		return nil, err
	}
	return ca, nil
}

// projectionBlock is Linear(C,C) [-> LeakyReLU] -> LayerNorm(C) -> Dropout with
// Xavier-normal weights and zero bias
func (ca *ChannelAttention) projectionBlock(name string, activation bool, dropout float32, rng *rand.Rand) (*layers.SequentialLayer, error) {
	lin, err := layers.NewLinear(name+".linear", ca.channels, ca.channels, true, rng)
	if err != nil {
		return nil, err
	}
	lin.Reinit(layers.XavierNormal, rng)
	norm, err := layers.NewLayerNorm(name+".norm", ca.channels)
	if err != nil {
		return nil, err
	}
	drop, err := layers.NewDropout(name+".dropout", dropout, rng)
	if err != nil {
		return nil, err
	}
	stages := []layers.Stage{lin}
	if activation {
		stages = append(stages, layers.NewLeakyReLU(name+".act", 0.01))
	}
	stages = append(stages, norm, drop)
	return layers.NewSequential(name, stages...), nil
}

func (ca *ChannelAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := ca.OutputShape(x.Shape); err != nil {
		return nil, err
	}
	return layers.Guard(func() (*tensor.Tensor, error) {
		// [B,1,T,C] so the projections act on the channel axis
		temp := tensor.Permute(x, 0, 1, 3, 2)

		pooled := func(block *layers.SequentialLayer) (*tensor.Tensor, error) {
			p, err := block.Forward(temp)
			if err != nil {
				return nil, err
			}
			return ca.pool.Forward(tensor.Permute(p, 0, 1, 3, 2))
		}
		q, err := pooled(ca.query)
		if err != nil {
			return nil, err
		}
		k, err := pooled(ca.key)
		if err != nil {
			return nil, err
		}

		// [B,1,C,C] contracted over pooled time
		energy := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k, 2, 3)), 1/ca.scaling)
		scores := tensor.Softmax(energy)
		ca.lastScores = scores.Detach()
		dropped, err := ca.scoreDrop.Forward(scores)
		if err != nil {
			return nil, err
		}

		out := tensor.MatMul(dropped, x)
		proj, err := ca.projection.Forward(tensor.Permute(out, 0, 1, 3, 2))
		if err != nil {
			return nil, err
		}
		return tensor.Permute(proj, 0, 1, 3, 2), nil
	})
}

// Scores returns the row-stochastic attention matrix of the last forward pass,
// before dropout
func (ca *ChannelAttention) Scores() *tensor.Tensor {
	return ca.lastScores
}

// PooledLength is the number of time steps left after pooling
func (ca *ChannelAttention) PooledLength() int {
	return ca.pooledLen
}

func (ca *ChannelAttention) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 || in[1] != 1 || in[2] != ca.channels || in[3] != ca.timePoints {
		return nil, fmt.Errorf("%s: %w: expected [B,1,%d,%d], got %v", ca.name, tensor.ErrShapeMismatch, ca.channels, ca.timePoints, in)
	}
	out := make([]int, 4)
	copy(out, in)
	return out, nil
}

func (ca *ChannelAttention) Describe() layers.LayerSpec {
	return layers.LayerSpec{Type: layers.Custom, Name: ca.name, Parameters: map[string]interface{}{
		"block":      "channel_attention",
		"channels":   ca.channels,
		"pooled_len": ca.pooledLen,
	}}
}

func (ca *ChannelAttention) Parameters() []*tensor.Tensor {
	return layers.ParameterTensors(ca.query, ca.key, ca.projection)
}

func (ca *ChannelAttention) Train() {
	ca.training = true
	for _, m := range ca.children() {
		m.Train()
	}
}

func (ca *ChannelAttention) Eval() {
	ca.training = false
	for _, m := range ca.children() {
		m.Eval()
	}
}

func (ca *ChannelAttention) IsTraining() bool { return ca.training }

func (ca *ChannelAttention) children() []layers.Module {
	return []layers.Module{ca.query, ca.key, ca.pool, ca.scoreDrop, ca.projection}
}
