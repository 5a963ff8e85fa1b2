package checkpoints

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// ErrCorruptCheckpoint is returned when a blob or record cannot be decoded
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// CheckpointKind tells a weight blob from an optimizer blob
type CheckpointKind int

const (
	KindWeights CheckpointKind = iota + 1
	KindOptimizer
)

func (k CheckpointKind) String() string {
	switch k {
	case KindWeights:
		return "weights"
	case KindOptimizer:
		return "optimizer"
	default:
		return "Unknown"
	}
}

// Checkpoint is the decoded content of a blob
type Checkpoint struct {
	Kind    CheckpointKind
	Weights []WeightTensor

	// Optimizer state (KindOptimizer only)
	OptimizerState *optimizer.OptimizerState

	Metadata CheckpointMetadata
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
	Type  string // "weight", "bias", "running_mean", "m", "v", ...
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   uint64
	Framework string
	CreatedAt time.Time
}

// ExtractWeightsFromTensors copies named tensors into checkpoint records
func ExtractWeightsFromTensors(tensors []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(tensors))
	seen := make(map[string]bool, len(tensors))
	for i, t := range tensors {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tensor %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate tensor name %s", name)
		}
		seen[name] = true
		data := make([]float32, len(t.Data))
		copy(data, t.Data)
		shape := make([]int, len(t.Shape))
		copy(shape, t.Shape)
		weights = append(weights, WeightTensor{Name: name, Shape: shape, Data: data, Type: tensorType(name)})
	}
	return weights, nil
}

// LoadWeightsIntoTensors copies weight data back into tensors, matched by name
func LoadWeightsIntoTensors(weights []WeightTensor, tensors []*tensor.Tensor) error {
	if len(weights) != len(tensors) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(tensors))
	}
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}
	for _, t := range tensors {
		w, ok := weightMap[t.Name()]
		if !ok {
			return fmt.Errorf("no weight stored for %s", t.Name())
		}
		if !tensor.ShapesEqual(t.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", w.Name, t.Shape, w.Shape)
		}
		copy(t.Data, w.Data)
	}
	return nil
}

// SaveWeights writes every tensor to a weight blob at path
func SaveWeights(path string, tensors []*tensor.Tensor) error {
	weights, err := ExtractWeightsFromTensors(tensors)
	if err != nil {
		return err
	}
	return writeBlob(path, &Checkpoint{Kind: KindWeights, Weights: weights})
}

// LoadWeights reads a weight blob and copies it into tensors
func LoadWeights(path string, tensors []*tensor.Tensor) error {
	cp, err := readBlob(path, KindWeights)
	if err != nil {
		return err
	}
	if err := LoadWeightsIntoTensors(cp.Weights, tensors); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// SaveOptimizer writes the optimizer moment buffers and step count to path
func SaveOptimizer(path string, opt optimizer.Optimizer) error {
	state, err := opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %w", err)
	}
	return writeBlob(path, &Checkpoint{Kind: KindOptimizer, OptimizerState: state})
}

// LoadOptimizer restores an optimizer from the blob at path
func LoadOptimizer(path string, opt optimizer.Optimizer) error {
	cp, err := readBlob(path, KindOptimizer)
	if err != nil {
		return err
	}
	if err := opt.LoadState(cp.OptimizerState); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func writeBlob(path string, cp *Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	log.Printf("Saved %s checkpoint %s (%s)", cp.Kind, path, datasize.ByteSize(len(data)).HumanReadable())
	return nil
}

func readBlob(path string, kind CheckpointKind) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cp.Kind != kind {
		return nil, fmt.Errorf("%s: %w: holds %s, expected %s", path, ErrCorruptCheckpoint, cp.Kind, kind)
	}
	return cp, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

func tensorType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return "tensor"
	}
	return ext[1:]
}
