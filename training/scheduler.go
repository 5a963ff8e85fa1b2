package training

import (
	"fmt"
	"math"
)

// LRScheduler maps an epoch onto a learning rate. The trainer applies it to the
// optimizer at the start of every epoch.
type LRScheduler interface {
	LR(epoch int, baseLR float64) float64
	Name() string
}

// MetricScheduler also receives the validation loss after every epoch and
// returns the learning rate to continue with
type MetricScheduler interface {
	LRScheduler
	Observe(loss, lr float64) float64
}

// SchedulerConfig selects a scheduler by name: "none", "step", "exponential",
// "cosine" or "plateau". Zero or out of range parameters take the defaults
// noted on each field.
type SchedulerConfig struct {
	Type     string  `json:"type"`
	StepSize int     `json:"step_size"` // step: epochs between decays, 30
	Gamma    float64 `json:"gamma"`     // step 0.1, exponential 0.95, plateau 0.1
	TMax     int     `json:"t_max"`     // cosine: epochs to reach EtaMin, 100
	EtaMin   float64 `json:"eta_min"`
	Patience int     `json:"patience"` // plateau: flat epochs before a decay, 10
}

func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch cfg.Type {
	case "", "none":
		return constantLR{}, nil
	case "step":
		return &StepLR{StepSize: orInt(cfg.StepSize, 30), Gamma: decayFactor(cfg.Gamma, 0.1)}, nil
	case "exponential":
		return &ExponentialLR{Gamma: decayFactor(cfg.Gamma, 0.95)}, nil
	case "cosine":
		return &CosineLR{TMax: orInt(cfg.TMax, 100), EtaMin: math.Max(cfg.EtaMin, 0)}, nil
	case "plateau":
		return &PlateauLR{Factor: decayFactor(cfg.Gamma, 0.1), Patience: orInt(cfg.Patience, 10), Threshold: 1e-4}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Type)
	}
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func decayFactor(v, def float64) float64 {
	if v <= 0 || v >= 1 {
		return def
	}
	return v
}

type constantLR struct{}

func (constantLR) LR(_ int, baseLR float64) float64 { return baseLR }
func (constantLR) Name() string                     { return "constant" }

// StepLR multiplies the rate by Gamma every StepSize epochs
type StepLR struct {
	StepSize int
	Gamma    float64
}

func (s *StepLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) Name() string { return fmt.Sprintf("step(%d, %g)", s.StepSize, s.Gamma) }

// ExponentialLR multiplies the rate by Gamma every epoch
type ExponentialLR struct {
	Gamma float64
}

func (s *ExponentialLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) Name() string { return fmt.Sprintf("exponential(%g)", s.Gamma) }

// CosineLR anneals from the base rate to EtaMin over TMax epochs and stays there
type CosineLR struct {
	TMax   int
	EtaMin float64
}

func (s *CosineLR) LR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineLR) Name() string { return fmt.Sprintf("cosine(%d, %g)", s.TMax, s.EtaMin) }

// PlateauLR multiplies the rate by Factor once the validation loss has failed
// to drop by more than Threshold for Patience epochs
type PlateauLR struct {
	Factor    float64
	Patience  int
	Threshold float64

	best  float64
	flat  int
	lr    float64
	ready bool
}

func (s *PlateauLR) LR(_ int, baseLR float64) float64 {
	if s.ready {
		return s.lr
	}
	return baseLR
}

func (s *PlateauLR) Observe(loss, lr float64) float64 {
	if !s.ready {
		s.best, s.lr, s.ready = loss, lr, true
		return lr
	}
	if loss < s.best-s.Threshold {
		s.best = loss
		s.flat = 0
		return s.lr
	}
	s.flat++
	if s.flat >= s.Patience {
		s.lr *= s.Factor
		s.flat = 0
	}
	return s.lr
}

func (s *PlateauLR) Name() string { return fmt.Sprintf("plateau(%g, %d)", s.Factor, s.Patience) }
