package models

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Method selects the architecture trained by the pipeline
type Method int

const (
	RNNSelfAttentionMethod Method = iota
	TransformerClassification
	TransformerDetection
)

func (m Method) String() string {
	switch m {
	case RNNSelfAttentionMethod:
		return "RNN_self_attention"
	case TransformerClassification:
		return "transformer_classification"
	case TransformerDetection:
		return "transformer_detection"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ParseMethod maps a method name onto a Method
func ParseMethod(name string) (Method, error) {
	for _, m := range []Method{RNNSelfAttentionMethod, TransformerClassification, TransformerDetection} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown method %q (want RNN_self_attention, transformer_classification or transformer_detection)", name)
}

// Detection reports whether the method predicts per-window spike presence
func (m Method) Detection() bool {
	return m == TransformerDetection
}

func (m Method) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Method) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseMethod(name)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Embedding variants for the temporal block
const (
	PatchEmbeddingKind = "patch"
	TimeEmbeddingKind  = "time2vec"
)

// Config is the flat model hyperparameter record persisted next to the weights
type Config struct {
	Method      Method `json:"method"`
	NClasses    int    `json:"n_classes"`
	NChannels   int    `json:"n_channels"`
	NTimePoints int    `json:"n_time_points"`
	NWindows    int    `json:"n_windows"`

	AttentionDropout      float32 `json:"attention_dropout"`
	AttentionScoreDropout float32 `json:"attention_score_dropout"`
	AttentionKernel       int     `json:"attention_kernel"`
	AttentionStride       int     `json:"attention_stride"`
	SpatialDropout        float32 `json:"spatial_dropout"`

	Embedding        string  `json:"embedding"`
	Padding          bool    `json:"padding"`
	PositionKernel   int     `json:"position_kernel"`
	PositionStride   int     `json:"position_stride"`
	EmbSize          int     `json:"emb_size"`
	TimeKernel       int     `json:"time_kernel"`
	TimeStride       int     `json:"time_stride"`
	EmbeddingDropout float32 `json:"embedding_dropout"`

	Depth              int     `json:"depth"`
	NumHeads           int     `json:"num_heads"`
	Expansion          int     `json:"expansion"`
	TransformerDropout float32 `json:"transformer_dropout"`

	ClassifierDropout float32 `json:"classifier_dropout"`
	DetectorDropout   float32 `json:"detector_dropout"`

	HiddenSize int `json:"hidden_size"`

	Seed   int64  `json:"seed"`
	Device string `json:"device"`
}

// DefaultConfig returns the hyperparameters used for nChannels x nTimePoints trials
func DefaultConfig(method Method, nChannels, nTimePoints int) Config {
	return Config{
		Method:                method,
		NClasses:              2,
		NChannels:             nChannels,
		NTimePoints:           nTimePoints,
		NWindows:              1,
		AttentionDropout:      0.3,
		AttentionScoreDropout: 0.5,
		AttentionKernel:       4,
		AttentionStride:       4,
		SpatialDropout:        0.3,
		Embedding:             PatchEmbeddingKind,
		Padding:               true,
		PositionKernel:        20,
		PositionStride:        1,
		EmbSize:               16,
		TimeKernel:            20,
		TimeStride:            2,
		EmbeddingDropout:      0.1,
		Depth:                 2,
		NumHeads:              4,
		Expansion:             4,
		TransformerDropout:    0.25,
		ClassifierDropout:     0.25,
		DetectorDropout:       0.25,
		HiddenSize:            32,
		Device:                tensor.CPU.String(),
	}
}

// Validate checks the hyperparameters that do not depend on layer arithmetic
func (c Config) Validate() error {
	if c.NChannels <= 0 || c.NTimePoints <= 0 {
		return fmt.Errorf("invalid trial shape %dx%d", c.NChannels, c.NTimePoints)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if c.Method.Detection() {
		if c.NWindows <= 0 {
			return fmt.Errorf("n_windows must be positive, got %d", c.NWindows)
		}
	} else if c.NClasses < 2 {
		return fmt.Errorf("n_classes must be at least 2, got %d", c.NClasses)
	}
	if c.Method == RNNSelfAttentionMethod {
		if c.HiddenSize <= 0 {
			return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
		}
		return nil
	}
	if c.EmbSize <= 0 || c.Depth <= 0 || c.Expansion <= 0 {
		return fmt.Errorf("emb_size, depth and expansion must be positive")
	}
	if c.NumHeads <= 0 || c.EmbSize%c.NumHeads != 0 {
		return fmt.Errorf("num_heads %d must divide emb_size %d", c.NumHeads, c.EmbSize)
	}
	if c.Embedding != PatchEmbeddingKind && c.Embedding != TimeEmbeddingKind {
		return fmt.Errorf("unknown embedding %q", c.Embedding)
	}
	for name, p := range map[string]float32{
		"attention_dropout":       c.AttentionDropout,
		"attention_score_dropout": c.AttentionScoreDropout,
		"spatial_dropout":         c.SpatialDropout,
		"embedding_dropout":       c.EmbeddingDropout,
		"transformer_dropout":     c.TransformerDropout,
		"classifier_dropout":      c.ClassifierDropout,
		"detector_dropout":        c.DetectorDropout,
	} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%s %v outside [0, 1)", name, p)
		}
	}
	return nil
}

// OutputSize is the width of the logits produced per example
func (c Config) OutputSize() int {
	if c.Method.Detection() {
		return c.NWindows
	}
	return c.NClasses
}

// LoadConfig reads a JSON hyperparameter file over base; keys absent from the
// file keep the value they have in base
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read model config: %w", err)
	}
	c := base
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	return c, nil
}
