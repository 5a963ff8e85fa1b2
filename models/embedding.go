package models

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/layers"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// PatchGeometry is the convolution arithmetic of the patch embedding
type PatchGeometry struct {
	PositionPadding int
	TimePadding     int
	PositionLength  int // time steps after the position convolution
	SeqLen          int // time steps after the time convolution
}

// ComputePatchGeometry derives paddings and lengths for a trial of timePoints samples.
// With padding enabled the paddings follow the length preserving formulas (computed in
// floating point and truncated); the resulting lengths always follow standard
// convolution arithmetic, which is what the forward pass produces.
func ComputePatchGeometry(timePoints, positionKernel, positionStride, timeKernel, timeStride int, padding bool) (PatchGeometry, error) {
	if positionKernel <= 0 || positionStride <= 0 || timeKernel <= 0 || timeStride <= 0 {
		return PatchGeometry{}, fmt.Errorf("patch embedding: kernels and strides must be positive")
	}
	var g PatchGeometry
	if padding {
		ps, pk := float64(positionStride), float64(positionKernel)
		ts, tk := float64(timeStride), float64(timeKernel)
		g.PositionPadding = int(((ps-1)*float64(timePoints) - (ps + 1) + pk) / 2)
		reduced := float64(int((((float64(timePoints) + 1 - ps) / ps) + 1) / 2))
		g.TimePadding = int(((ts-1)*reduced-(ts+1)+tk)/2) + 1
	}
	if g.PositionPadding < 0 || g.TimePadding < 0 {
		return PatchGeometry{}, fmt.Errorf("patch embedding: negative padding (%d, %d) for %d time points", g.PositionPadding, g.TimePadding, timePoints)
	}
	g.PositionLength = tensor.ConvOutputSize(timePoints, positionKernel, positionStride, g.PositionPadding)
	if g.PositionLength < 1 {
		return PatchGeometry{}, fmt.Errorf("patch embedding: position kernel %d does not fit %d time points", positionKernel, timePoints)
	}
	g.SeqLen = tensor.ConvOutputSize(g.PositionLength, timeKernel, timeStride, g.TimePadding)
	if g.SeqLen < 1 {
		return PatchGeometry{}, fmt.Errorf("patch embedding: time kernel %d does not fit %d positions", timeKernel, g.PositionLength)
	}
	return g, nil
}

// PatchEmbedding turns [B,1,C,T] trials into [B,S,E] sequences with two convolutions:
// a position convolution along time inflating to two feature maps, then a time
// convolution spanning every channel and producing E maps.
type PatchEmbedding struct {
	name     string
	embSize  int
	channels int
	geometry PatchGeometry
	net      *layers.SequentialLayer
}

func NewPatchEmbedding(name string, cfg Config, rng *rand.Rand) (*PatchEmbedding, error) {
	g, err := ComputePatchGeometry(cfg.NTimePoints, cfg.PositionKernel, cfg.PositionStride, cfg.TimeKernel, cfg.TimeStride, cfg.Padding)
	if err != nil {
		return nil, err
	}
	position, err := layers.NewConv2D(name+".0", 1, 2,
		[2]int{1, cfg.PositionKernel}, [2]int{1, cfg.PositionStride}, [2]int{0, g.PositionPadding}, true, rng)
	if err != nil {
		return nil, err
	}
	norm, err := layers.NewBatchNorm2D(name+".1", 2)
	if err != nil {
		return nil, err
	}
	timeConv, err := layers.NewConv2D(name+".3", 2, cfg.EmbSize,
		[2]int{cfg.NChannels, cfg.TimeKernel}, [2]int{1, cfg.TimeStride}, [2]int{0, g.TimePadding}, true, rng)
	if err != nil {
		return nil, err
	}
	net := layers.NewSequential(name, position, norm, layers.NewLeakyReLU(name+".2", 0.01), timeConv,
		// [B,E,1,S] -> [B,1,S,E] -> [B,S,E]
		layers.NewPermute(name+".rearrange", 0, 2, 3, 1),
		layers.NewReshape(name+".flatten", g.SeqLen, cfg.EmbSize))
	return &PatchEmbedding{name: name, embSize: cfg.EmbSize, channels: cfg.NChannels, geometry: g, net: net}, nil
}

// SeqLen is the sequence length the embedding emits
func (p *PatchEmbedding) SeqLen() int { return p.geometry.SeqLen }

// Geometry exposes the computed paddings and lengths
func (p *PatchEmbedding) Geometry() PatchGeometry { return p.geometry }

func (p *PatchEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.net.Forward(x)
}

func (p *PatchEmbedding) OutputShape(in []int) ([]int, error) {
	out, err := p.net.OutputShape(in)
	if err != nil {
		return nil, err
	}
	if out[1] != p.geometry.SeqLen {
		return nil, fmt.Errorf("%s: %w: sequence length %d, expected %d", p.name, tensor.ErrShapeMismatch, out[1], p.geometry.SeqLen)
	}
	return out, nil
}

func (p *PatchEmbedding) Describe() layers.LayerSpec {
	return layers.LayerSpec{Type: layers.Custom, Name: p.name, Parameters: map[string]interface{}{
		"block":            "patch_embedding",
		"position_padding": p.geometry.PositionPadding,
		"time_padding":     p.geometry.TimePadding,
		"seq_len":          p.geometry.SeqLen,
	}}
}

func (p *PatchEmbedding) Parameters() []*tensor.Tensor { return p.net.Parameters() }
func (p *PatchEmbedding) Buffers() []*tensor.Tensor    { return p.net.Buffers() }
func (p *PatchEmbedding) Train()                       { p.net.Train() }
func (p *PatchEmbedding) Eval()                        { p.net.Eval() }
func (p *PatchEmbedding) IsTraining() bool             { return p.net.IsTraining() }

// TimeEmbedding is a Time2Vec embedding of every time step: the channel vector at time t
// is mapped to one linear component and E-1 sinusoidal components, giving [B,T,E]
type TimeEmbedding struct {
	name       string
	channels   int
	timePoints int
	embSize    int
	linear     *layers.Linear
	periodic   *layers.Linear
	training   bool
}

func NewTimeEmbedding(name string, cfg Config, rng *rand.Rand) (*TimeEmbedding, error) {
	if cfg.EmbSize < 2 {
		return nil, fmt.Errorf("%s: emb_size must be at least 2, got %d", name, cfg.EmbSize)
	}
	linear, err := layers.NewLinear(name+".linear", cfg.NChannels, 1, true, rng)
	if err != nil {
		return nil, err
	}
	periodic, err := layers.NewLinear(name+".periodic", cfg.NChannels, cfg.EmbSize-1, true, rng)
	if err != nil {
		return nil, err
	}
	return &TimeEmbedding{
		name:       name,
		channels:   cfg.NChannels,
		timePoints: cfg.NTimePoints,
		embSize:    cfg.EmbSize,
		linear:     linear,
		periodic:   periodic,
		training:   true,
	}, nil
}

func (te *TimeEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := te.OutputShape(x.Shape); err != nil {
		return nil, err
	}
	return layers.Guard(func() (*tensor.Tensor, error) {
		// [B,T,C]
		steps := tensor.Reshape(tensor.Permute(x, 0, 1, 3, 2), x.Shape[0], te.timePoints, te.channels)
		lin, err := te.linear.Forward(steps)
		if err != nil {
			return nil, err
		}
		per, err := te.periodic.Forward(steps)
		if err != nil {
			return nil, err
		}
		return tensor.Concat([]*tensor.Tensor{lin, tensor.Sin(per)}, 2), nil
	})
}

func (te *TimeEmbedding) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 || in[1] != 1 || in[2] != te.channels || in[3] != te.timePoints {
		return nil, fmt.Errorf("%s: %w: expected [B,1,%d,%d], got %v", te.name, tensor.ErrShapeMismatch, te.channels, te.timePoints, in)
	}
	return []int{in[0], te.timePoints, te.embSize}, nil
}

// SeqLen is the sequence length the embedding emits
func (te *TimeEmbedding) SeqLen() int { return te.timePoints }

func (te *TimeEmbedding) Describe() layers.LayerSpec {
	return layers.LayerSpec{Type: layers.Custom, Name: te.name, Parameters: map[string]interface{}{
		"block":    "time2vec",
		"emb_size": te.embSize,
	}}
}

func (te *TimeEmbedding) Parameters() []*tensor.Tensor {
	return layers.ParameterTensors(te.linear, te.periodic)
}

func (te *TimeEmbedding) Train()           { te.training = true }
func (te *TimeEmbedding) Eval()            { te.training = false }
func (te *TimeEmbedding) IsTraining() bool { return te.training }
