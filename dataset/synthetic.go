package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// SyntheticConfig describes a generated cohort of subjects
type SyntheticConfig struct {
	Subjects       int
	TrialsPerClass int
	NClasses       int
	Channels       int
	TimePoints     int
	SFreq          float64
	Noise          float64
	Seed           int64
}

// DefaultSyntheticConfig yields 3 subjects of 40 binary trials each (20 per class)
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Subjects:       3,
		TrialsPerClass: 20,
		NClasses:       2,
		Channels:       8,
		TimePoints:     64,
		SFreq:          128,
		Noise:          0.5,
	}
}

func (c SyntheticConfig) Validate() error {
	if c.Subjects <= 0 || c.TrialsPerClass <= 0 || c.NClasses < 2 {
		return fmt.Errorf("synthetic cohort needs subjects, trials and at least 2 classes: %+v", c)
	}
	if c.Channels <= 0 || c.TimePoints < 16 {
		return fmt.Errorf("synthetic trials need channels and at least 16 time points: %+v", c)
	}
	if c.SFreq <= 0 || c.Noise < 0 {
		return fmt.Errorf("invalid sampling rate %v or noise %v", c.SFreq, c.Noise)
	}
	return nil
}

// SubjectName is the identifier given to the i-th generated subject
func SubjectName(i int) string { return fmt.Sprintf("sub-%02d", i+1) }

// GenerateSubject builds the trials of subject i. A trial of class k carries k
// spike-and-wave complexes over a block of neighbouring channels on top of
// Gaussian background noise; each spike peak is flagged in Events.
func GenerateSubject(cfg SyntheticConfig, i int) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed*7919 + int64(i)))
	n := cfg.TrialsPerClass * cfg.NClasses
	size := cfg.Channels * cfg.TimePoints
	data := make([]float32, n*size)
	labels := make([]int, n)
	events := make([]uint8, n*cfg.TimePoints)

	gain := 1 + 0.2*rng.Float64()
	spikeWidth := max(2, cfg.TimePoints/32)
	waveWidth := 3 * spikeWidth
	span := spikeWidth + waveWidth

	for trial := 0; trial < n; trial++ {
		class := trial % cfg.NClasses
		labels[trial] = class
		x := data[trial*size : (trial+1)*size]
		for j := range x {
			x[j] = float32(rng.NormFloat64() * cfg.Noise)
		}
		ev := events[trial*cfg.TimePoints : (trial+1)*cfg.TimePoints]
		for k := 0; k < class; k++ {
			onset := rng.Intn(cfg.TimePoints - span)
			centre := rng.Intn(cfg.Channels)
			amp := gain * (2 + rng.Float64())
			for ch := 0; ch < cfg.Channels; ch++ {
				decay := math.Exp(-math.Abs(float64(ch-centre)) / 2)
				row := x[ch*cfg.TimePoints : (ch+1)*cfg.TimePoints]
				for t := 0; t < span; t++ {
					row[onset+t] += float32(amp * decay * complexShape(t, spikeWidth, waveWidth))
				}
			}
			ev[onset+spikeWidth/2] = 1
		}
	}
	return NewSet(SubjectName(i), cfg.Channels, cfg.TimePoints, data, labels, events)
}

// complexShape is a sharp triangular spike followed by a slower negative half-sine wave
func complexShape(t, spikeWidth, waveWidth int) float64 {
	if t < spikeWidth {
		half := float64(spikeWidth) / 2
		return 1 - math.Abs(float64(t)-half)/half
	}
	phase := float64(t-spikeWidth) / float64(waveWidth)
	return -0.5 * math.Sin(math.Pi*phase)
}

// NewSyntheticSource generates every subject of cfg into a MemorySource
func NewSyntheticSource(cfg SyntheticConfig) (*MemorySource, error) {
	sets := make([]*Set, cfg.Subjects)
	for i := range sets {
		s, err := GenerateSubject(cfg, i)
		if err != nil {
			return nil, err
		}
		sets[i] = s
	}
	return NewMemorySource(sets...)
}
