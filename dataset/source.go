package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Source hands out the trials of each subject of a cohort
type Source interface {
	Subjects() []string
	Load(ctx context.Context, subject string) (*Set, error)
}

// MemorySource serves sets that already live in memory
type MemorySource struct {
	order []string
	sets  map[string]*Set
}

func NewMemorySource(sets ...*Set) (*MemorySource, error) {
	m := &MemorySource{sets: make(map[string]*Set, len(sets))}
	for _, s := range sets {
		if s.Subject == "" {
			return nil, fmt.Errorf("set without subject id")
		}
		if _, dup := m.sets[s.Subject]; dup {
			return nil, fmt.Errorf("duplicate subject %s", s.Subject)
		}
		m.sets[s.Subject] = s
		m.order = append(m.order, s.Subject)
	}
	return m, nil
}

func (m *MemorySource) Subjects() []string {
	return append([]string(nil), m.order...)
}

func (m *MemorySource) Load(ctx context.Context, subject string) (*Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := m.sets[subject]
	if !ok {
		return nil, fmt.Errorf("unknown subject %s", subject)
	}
	return s, nil
}

// DirSource reads one "<subject>.json" file per subject from a directory
type DirSource struct {
	dir    string
	binary bool
}

// NewDirSource opens dir. With binary set, labels are spike present/absent;
// otherwise every distinct spike count becomes a class.
func NewDirSource(dir string, binary bool) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &DirSource{dir: dir, binary: binary}, nil
}

// Subjects lists the subject files in lexical order
func (d *DirSource) Subjects() []string {
	matches, _ := filepath.Glob(filepath.Join(d.dir, "*.json"))
	subjects := make([]string, 0, len(matches))
	for _, m := range matches {
		subjects = append(subjects, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(subjects)
	return subjects
}

// subjectFile is the on-disk layout of one subject
type subjectFile struct {
	SFreq  float64      `json:"sfreq"`
	Trials []trialEntry `json:"trials"`
}

type trialEntry struct {
	Data       [][]float32 `json:"data"` // [channels][time points]
	SpikeTimes []float64   `json:"spike_times"`
	NSpikes    *int        `json:"n_spikes,omitempty"` // defaults to len(spike_times)
	Bad        bool        `json:"bad"`
}

// Load parses the subject file, drops trials flagged bad and derives labels and
// spike masks from the annotated spike times
func (d *DirSource) Load(ctx context.Context, subject string) (*Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(d.dir, subject+".json")
	log.Printf("Parsing %s\n", path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject %s: %w", subject, err)
	}
	var f subjectFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse subject %s: %w", subject, err)
	}
	if f.SFreq <= 0 {
		return nil, fmt.Errorf("subject %s: missing sampling frequency", subject)
	}

	var channels, timePoints, bad int
	var data []float32
	var counts []int
	var events []uint8
	for i, tr := range f.Trials {
		if tr.Bad {
			bad++
			continue
		}
		if len(tr.Data) == 0 || len(tr.Data[0]) == 0 {
			return nil, fmt.Errorf("subject %s: trial %d is empty", subject, i)
		}
		if channels == 0 {
			channels, timePoints = len(tr.Data), len(tr.Data[0])
		}
		if len(tr.Data) != channels {
			return nil, fmt.Errorf("subject %s: trial %d has %d channels, expected %d", subject, i, len(tr.Data), channels)
		}
		for ch, row := range tr.Data {
			if len(row) != timePoints {
				return nil, fmt.Errorf("subject %s: trial %d channel %d has %d time points, expected %d", subject, i, ch, len(row), timePoints)
			}
			data = append(data, row...)
		}
		n := len(tr.SpikeTimes)
		if tr.NSpikes != nil {
			n = *tr.NSpikes
		}
		counts = append(counts, n)
		events = append(events, SpikeEvents(tr.SpikeTimes, timePoints, f.SFreq)...)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("subject %s has no usable trials", subject)
	}

	labels, classes := LabelsFromCounts(counts, d.binary)
	log.Printf("Found %s trials (%d bad) of %dx%d samples for %s; spike counts %v mapped on labels 0..%d\n",
		humanize.Comma(int64(len(counts))), bad, channels, timePoints, subject, classes, len(classes)-1)
	set, err := NewSet(subject, channels, timePoints, data, labels, events)
	if err != nil {
		return nil, err
	}
	if !d.binary {
		set.SpikeCounts = classes
	}
	return set, nil
}

// LoadAll loads every subject of src in order. Count-class labels are aligned
// across subjects with AlignCounts.
func LoadAll(ctx context.Context, src Source) ([]*Set, error) {
	subjects := src.Subjects()
	if len(subjects) == 0 {
		return nil, fmt.Errorf("no subjects found")
	}
	sets := make([]*Set, 0, len(subjects))
	for _, s := range subjects {
		set, err := src.Load(ctx, s)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return AlignCounts(sets)
}
