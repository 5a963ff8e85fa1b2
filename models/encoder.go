package models

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/layers"
)

// NewSpatialBlock is Residual(LayerNorm(T) -> ChannelAttention -> Dropout)
func NewSpatialBlock(name string, cfg Config, rng *rand.Rand) (*layers.ResidualLayer, *ChannelAttention, error) {
	norm, err := layers.NewLayerNorm(name+".norm", cfg.NTimePoints)
	if err != nil {
		return nil, nil, err
	}
	attention, err := NewChannelAttention(name+".attention", cfg.NChannels, cfg.NTimePoints,
		cfg.AttentionDropout, cfg.AttentionScoreDropout, cfg.AttentionKernel, cfg.AttentionStride, rng)
	if err != nil {
		return nil, nil, err
	}
	drop, err := layers.NewDropout(name+".dropout", cfg.SpatialDropout, rng)
	if err != nil {
		return nil, nil, err
	}
	return layers.NewResidual(name, layers.NewSequential(name+".block", norm, attention, drop)), attention, nil
}

// NewEncoderBlock is a pre-norm transformer block:
// Residual(LayerNorm -> MHA -> Dropout) then Residual(LayerNorm -> FeedForward -> Dropout)
func NewEncoderBlock(name string, embSize, numHeads, expansion int, dropout float32, rng *rand.Rand) (*layers.SequentialLayer, error) {
	norm1, err := layers.NewLayerNorm(name+".0.norm", embSize)
	if err != nil {
		return nil, err
	}
	mha, err := layers.NewMultiHeadAttention(name+".0.attention", embSize, numHeads, dropout, rng)
	if err != nil {
		return nil, err
	}
	drop1, err := layers.NewDropout(name+".0.dropout", dropout, rng)
	if err != nil {
		return nil, err
	}
	norm2, err := layers.NewLayerNorm(name+".1.norm", embSize)
	if err != nil {
		return nil, err
	}
	ff, err := layers.NewFeedForward(name+".1.feed_forward", embSize, expansion, dropout, rng)
	if err != nil {
		return nil, err
	}
	drop2, err := layers.NewDropout(name+".1.dropout", dropout, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(name,
		layers.NewResidual(name+".0", layers.NewSequential(name+".0.block", norm1, mha, drop1)),
		layers.NewResidual(name+".1", layers.NewSequential(name+".1.block", norm2, ff, drop2)),
	), nil
}

// NewTransformerEncoder stacks depth encoder blocks
func NewTransformerEncoder(name string, depth, embSize, numHeads, expansion int, dropout float32, rng *rand.Rand) (*layers.SequentialLayer, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("%s: depth must be positive, got %d", name, depth)
	}
	blocks := make([]layers.Stage, depth)
	for i := range blocks {
		block, err := NewEncoderBlock(fmt.Sprintf("%s.%d", name, i), embSize, numHeads, expansion, dropout, rng)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
	}
	return layers.NewSequential(name, blocks...), nil
}

// NewClassificationHead is mean over the sequence -> Dropout -> Linear(E,E) -> Tanh ->
// Dropout -> Linear(E, nClasses)
func NewClassificationHead(name string, embSize, nClasses int, dropout float32, rng *rand.Rand) (*layers.SequentialLayer, error) {
	drop1, err := layers.NewDropout(name+".dropout1", dropout, rng)
	if err != nil {
		return nil, err
	}
	dense, err := layers.NewLinear(name+".dense", embSize, embSize, true, rng)
	if err != nil {
		return nil, err
	}
	drop2, err := layers.NewDropout(name+".dropout2", dropout, rng)
	if err != nil {
		return nil, err
	}
	out, err := layers.NewLinear(name+".out_proj", embSize, nClasses, true, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(name,
		layers.NewMeanReduce(name+".pool", 1), drop1, dense, layers.NewTanh(name+".tanh"), drop2, out), nil
}

// NewDetectionHead scores every sequence position with Linear(E,1), then maps the
// S scores onto nWindows per-window spike logits
func NewDetectionHead(name string, embSize, seqLen, nWindows int, dropout float32, rng *rand.Rand) (*layers.SequentialLayer, error) {
	score, err := layers.NewLinear(name+".score", embSize, 1, true, rng)
	if err != nil {
		return nil, err
	}
	drop, err := layers.NewDropout(name+".dropout", dropout, rng)
	if err != nil {
		return nil, err
	}
	windows, err := layers.NewLinear(name+".windows", seqLen, nWindows, true, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(name, score, layers.NewReshape(name+".squeeze", seqLen), drop, windows), nil
}
