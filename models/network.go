package models

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/layers"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Network is a compiled model: an ordered list of validated stages plus the
// hyperparameter record it was built from
type Network struct {
	cfg       Config
	net       *layers.SequentialLayer
	spec      *layers.ModelSpec
	attention *ChannelAttention
	seqLen    int
}

// New builds the architecture selected by cfg.Method. Weights and dropout masks are
// drawn from a generator seeded with cfg.Seed, so equal configs give equal models.
func New(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	switch cfg.Method {
	case RNNSelfAttentionMethod:
		return newRNNSelfAttention(cfg, rng)
	case TransformerClassification, TransformerDetection:
		return newSTT(cfg, rng)
	default:
		return nil, fmt.Errorf("unsupported method %s", cfg.Method)
	}
}

// newSTT assembles the spatial-temporal transformer:
// spatial block -> embedding -> dropout -> encoder -> head
func newSTT(cfg Config, rng *rand.Rand) (*Network, error) {
	spatial, attention, err := NewSpatialBlock("spatial", cfg, rng)
	if err != nil {
		return nil, err
	}

	var embedding layers.Stage
	var seqLen int
	switch cfg.Embedding {
	case TimeEmbeddingKind:
		te, err := NewTimeEmbedding("embedding", cfg, rng)
		if err != nil {
			return nil, err
		}
		embedding, seqLen = te, te.SeqLen()
	default:
		pe, err := NewPatchEmbedding("embedding", cfg, rng)
		if err != nil {
			return nil, err
		}
		embedding, seqLen = pe, pe.SeqLen()
	}

	embDrop, err := layers.NewDropout("embedding.dropout", cfg.EmbeddingDropout, rng)
	if err != nil {
		return nil, err
	}
	encoder, err := NewTransformerEncoder("encoder", cfg.Depth, cfg.EmbSize, cfg.NumHeads, cfg.Expansion, cfg.TransformerDropout, rng)
	if err != nil {
		return nil, err
	}

	var head layers.Stage
	if cfg.Method.Detection() {
		head, err = NewDetectionHead("detector", cfg.EmbSize, seqLen, cfg.NWindows, cfg.DetectorDropout, rng)
	} else {
		head, err = NewClassificationHead("classifier", cfg.EmbSize, cfg.NClasses, cfg.ClassifierDropout, rng)
	}
	if err != nil {
		return nil, err
	}

	net, spec, err := layers.NewModelBuilder([]int{1, 1, cfg.NChannels, cfg.NTimePoints}).
		Add(spatial).
		Add(embedding).
		Add(embDrop).
		Add(encoder).
		Add(head).
		Compile(cfg.Method.String())
	if err != nil {
		return nil, err
	}
	return &Network{cfg: cfg, net: net, spec: spec, attention: attention, seqLen: seqLen}, nil
}

// Forward maps [B,1,C,T] trials onto [B, OutputSize] logits
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != 1 || x.Shape[2] != n.cfg.NChannels || x.Shape[3] != n.cfg.NTimePoints {
		return nil, fmt.Errorf("%s: %w: expected [B,1,%d,%d], got %v", n.cfg.Method, tensor.ErrShapeMismatch, n.cfg.NChannels, n.cfg.NTimePoints, x.Shape)
	}
	return n.net.Forward(x)
}

func (n *Network) Parameters() []*tensor.Tensor { return n.net.Parameters() }
func (n *Network) Buffers() []*tensor.Tensor    { return n.net.Buffers() }
func (n *Network) Train()                       { n.net.Train() }
func (n *Network) Eval()                        { n.net.Eval() }
func (n *Network) IsTraining() bool             { return n.net.IsTraining() }

// State returns parameters followed by buffers, the tensors a checkpoint must hold
func (n *Network) State() []*tensor.Tensor {
	return append(n.Parameters(), n.Buffers()...)
}

// Config returns the hyperparameter record the network was built from
func (n *Network) Config() Config { return n.cfg }

// Spec returns the compiled stage inventory
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// Summary renders the compiled stages
func (n *Network) Summary() string { return n.spec.Summary() }

// ChannelAttention returns the spatial attention block, nil for the RNN model
func (n *Network) ChannelAttention() *ChannelAttention { return n.attention }

// SeqLen is the length of the embedded sequence, 0 for the RNN model
func (n *Network) SeqLen() int { return n.seqLen }
