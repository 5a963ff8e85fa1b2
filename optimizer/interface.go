package optimizer

import (
	"fmt"
	"strings"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State export enables checkpointing the moment buffers alongside the weights.
type Optimizer interface {
	// Step updates every parameter that has an accumulated gradient
	Step() error

	// ZeroGrad drops the accumulated gradients of all managed parameters
	ZeroGrad()

	// GetLR and SetLR read and update the learning rate (used by schedulers)
	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`       // "Adam", "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StepCount  uint64                 `json:"step_count"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one moment buffer, named "<state_type>_<parameter index>"
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "momentum", "square_avg"
}

// Config is the optimizer hyperparameter record persisted next to the optimizer state
type Config struct {
	Type        string  `json:"type"`
	LR          float64 `json:"lr"`
	Beta1       float64 `json:"b1"`
	Beta2       float64 `json:"b2"`
	Epsilon     float64 `json:"eps"`
	WeightDecay float64 `json:"weight_decay"`
	Momentum    float64 `json:"momentum"`
	Alpha       float64 `json:"alpha"`
}

// DefaultConfig returns Adam with lr 1e-3, betas (0.9, 0.999) and no weight decay
func DefaultConfig() Config {
	return Config{
		Type:    "adam",
		LR:      1e-3,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		Alpha:   0.99,
	}
}

// Validate checks the hyperparameter ranges
func (c Config) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %v", c.WeightDecay)
	}
	switch strings.ToLower(c.Type) {
	case "adam":
		if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
			return fmt.Errorf("adam betas must lie in [0, 1), got (%v, %v)", c.Beta1, c.Beta2)
		}
		if c.Epsilon <= 0 {
			return fmt.Errorf("adam epsilon must be positive, got %v", c.Epsilon)
		}
	case "sgd":
		if c.Momentum < 0 || c.Momentum >= 1 {
			return fmt.Errorf("sgd momentum must lie in [0, 1), got %v", c.Momentum)
		}
	case "rmsprop":
		if c.Alpha <= 0 || c.Alpha >= 1 || c.Epsilon <= 0 {
			return fmt.Errorf("rmsprop needs alpha in (0, 1) and a positive epsilon")
		}
	default:
		return fmt.Errorf("unknown optimizer type %q", c.Type)
	}
	return nil
}

// New creates the optimizer described by config over parameters
func New(config Config, parameters []*tensor.Tensor) (Optimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(config.Type) {
	case "sgd":
		return NewSGD(parameters, config), nil
	case "rmsprop":
		return NewRMSProp(parameters, config), nil
	default:
		return NewAdam(parameters, config), nil
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1", "momentum_3"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// buffers manages one zero-initialised moment buffer per parameter
type buffers struct {
	stateType string
	data      [][]float32
}

func newBuffers(stateType string, parameters []*tensor.Tensor) buffers {
	b := buffers{stateType: stateType, data: make([][]float32, len(parameters))}
	for i, p := range parameters {
		b.data[i] = make([]float32, p.NumElems)
	}
	return b
}

func (b buffers) export(parameters []*tensor.Tensor) []StateTensor {
	out := make([]StateTensor, len(b.data))
	for i, d := range b.data {
		data := make([]float32, len(d))
		copy(data, d)
		shape := make([]int, len(parameters[i].Shape))
		copy(shape, parameters[i].Shape)
		out[i] = StateTensor{Name: fmt.Sprintf("%s_%d", b.stateType, i), Shape: shape, Data: data, StateType: b.stateType}
	}
	return out
}

// restore copies every StateTensor of this buffer's type back into place
func (b buffers) restore(state []StateTensor) error {
	for _, st := range state {
		if st.StateType != b.stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(b.data) {
			return fmt.Errorf("state tensor %s does not match any parameter", st.Name)
		}
		if len(st.Data) != len(b.data[idx]) {
			return fmt.Errorf("state tensor %s has %d values, parameter has %d", st.Name, len(st.Data), len(b.data[idx]))
		}
		copy(b.data[idx], st.Data)
	}
	return nil
}

func zeroGrad(parameters []*tensor.Tensor) {
	tensor.ZeroGrad(parameters)
}
