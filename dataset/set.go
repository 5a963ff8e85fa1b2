// Package dataset holds labelled EEG/MEG trials and the collaborators that
// produce them: subject sources, the train/validation/test splitter and a
// synthetic spike-and-wave generator.
package dataset

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// Set is a collection of trials of one shape.
// Data is laid out [N, Channels, TimePoints]; Events, when present, is
// [N, TimePoints] with 1 where a spike peak occurs.
type Set struct {
	Subject    string
	Channels   int
	TimePoints int
	Data       []float32
	Labels     []int
	Events     []uint8

	// SpikeCounts lists the spike count behind each label when labels are
	// count classes; nil otherwise
	SpikeCounts []int
}

// NewSet validates the array lengths against the trial shape
func NewSet(subject string, channels, timePoints int, data []float32, labels []int, events []uint8) (*Set, error) {
	if channels <= 0 || timePoints <= 0 {
		return nil, fmt.Errorf("invalid trial shape %dx%d", channels, timePoints)
	}
	n := len(labels)
	if len(data) != n*channels*timePoints {
		return nil, fmt.Errorf("subject %s: %d values for %d trials of %dx%d", subject, len(data), n, channels, timePoints)
	}
	if events != nil && len(events) != n*timePoints {
		return nil, fmt.Errorf("subject %s: %d event flags for %d trials of %d time points", subject, len(events), n, timePoints)
	}
	for i, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("subject %s: trial %d has negative label %d", subject, i, l)
		}
	}
	return &Set{Subject: subject, Channels: channels, TimePoints: timePoints, Data: data, Labels: labels, Events: events}, nil
}

// Len returns the number of trials
func (s *Set) Len() int { return len(s.Labels) }

// TrialSize is the number of values in one trial
func (s *Set) TrialSize() int { return s.Channels * s.TimePoints }

// Trial returns the values of trial i without copying
func (s *Set) Trial(i int) []float32 {
	n := s.TrialSize()
	return s.Data[i*n : (i+1)*n]
}

// HasEvents reports whether per-timepoint spike masks are available
func (s *Set) HasEvents() bool { return s.Events != nil }

// WindowLabels splits trial i into nWindows consecutive windows and marks a
// window 1 when it contains at least one spike event. The last window absorbs
// the remainder when TimePoints is not a multiple of nWindows.
func (s *Set) WindowLabels(i, nWindows int) ([]float32, error) {
	if !s.HasEvents() {
		return nil, fmt.Errorf("subject %s has no spike events", s.Subject)
	}
	if nWindows <= 0 || nWindows > s.TimePoints {
		return nil, fmt.Errorf("cannot split %d time points into %d windows", s.TimePoints, nWindows)
	}
	events := s.Events[i*s.TimePoints : (i+1)*s.TimePoints]
	width := s.TimePoints / nWindows
	out := make([]float32, nWindows)
	for t, e := range events {
		if e == 0 {
			continue
		}
		w := t / width
		if w >= nWindows {
			w = nWindows - 1
		}
		out[w] = 1
	}
	return out, nil
}

// Subset copies the trials at indices into a new set
func (s *Set) Subset(indices []int) *Set {
	n := s.TrialSize()
	out := &Set{
		Subject:    s.Subject,
		Channels:   s.Channels,
		TimePoints: s.TimePoints,
		Data:       make([]float32, 0, len(indices)*n),
		Labels:     make([]int, 0, len(indices)),

		SpikeCounts: s.SpikeCounts,
	}
	if s.HasEvents() {
		out.Events = make([]uint8, 0, len(indices)*s.TimePoints)
	}
	for _, i := range indices {
		out.Data = append(out.Data, s.Trial(i)...)
		out.Labels = append(out.Labels, s.Labels[i])
		if s.HasEvents() {
			out.Events = append(out.Events, s.Events[i*s.TimePoints:(i+1)*s.TimePoints]...)
		}
	}
	return out
}

// Concat joins sets of identical trial shape. Events are kept only when every
// set carries them. Count-class labels are first mapped onto the union of counts.
func Concat(sets ...*Set) (*Set, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	sets, err := AlignCounts(sets)
	if err != nil {
		return nil, err
	}
	first := sets[0]
	out := &Set{Subject: first.Subject, Channels: first.Channels, TimePoints: first.TimePoints, SpikeCounts: first.SpikeCounts}
	withEvents := true
	for _, s := range sets {
		if s.Channels != first.Channels || s.TimePoints != first.TimePoints {
			return nil, fmt.Errorf("subject %s has trials of %dx%d, subject %s has %dx%d",
				s.Subject, s.Channels, s.TimePoints, first.Subject, first.Channels, first.TimePoints)
		}
		withEvents = withEvents && s.HasEvents()
	}
	if len(sets) > 1 {
		out.Subject = ""
	}
	for _, s := range sets {
		out.Data = append(out.Data, s.Data...)
		out.Labels = append(out.Labels, s.Labels...)
		if withEvents {
			out.Events = append(out.Events, s.Events...)
		}
	}
	return out, nil
}

// AlignCounts relabels count-class sets so that a label means the same spike
// count in every set: class ids index the sorted union of all counts. Sets are
// copied only when their labels change. Sets without SpikeCounts are returned
// as they are, and mixing both kinds is an error.
func AlignCounts(sets []*Set) ([]*Set, error) {
	withCounts := 0
	union := map[int]bool{}
	for _, s := range sets {
		if s.SpikeCounts == nil {
			continue
		}
		withCounts++
		for _, c := range s.SpikeCounts {
			union[c] = true
		}
	}
	if withCounts == 0 {
		return sets, nil
	}
	if withCounts != len(sets) {
		return nil, fmt.Errorf("cannot mix spike-count labels with other labels")
	}
	counts := make([]int, 0, len(union))
	for c := range union {
		counts = append(counts, c)
	}
	sort.Ints(counts)

	out := make([]*Set, len(sets))
	for i, s := range sets {
		if slices.Equal(s.SpikeCounts, counts) {
			out[i] = s
			continue
		}
		relabeled := *s
		relabeled.Labels = make([]int, len(s.Labels))
		for j, l := range s.Labels {
			if l >= len(s.SpikeCounts) {
				return nil, fmt.Errorf("subject %s: label %d has no spike count", s.Subject, l)
			}
			relabeled.Labels[j] = sort.SearchInts(counts, s.SpikeCounts[l])
		}
		relabeled.SpikeCounts = counts
		out[i] = &relabeled
	}
	return out, nil
}

// ClassCounts returns the number of trials per label, indexed by label
func (s *Set) ClassCounts() []int {
	var counts []int
	for _, l := range s.Labels {
		for l >= len(counts) {
			counts = append(counts, 0)
		}
		counts[l]++
	}
	return counts
}

// BalancedWeights gives every trial the weight 1/count(label) so that a
// weighted sampler draws each class equally often
func (s *Set) BalancedWeights() []float64 {
	counts := s.ClassCounts()
	weights := make([]float64, s.Len())
	for i, l := range s.Labels {
		weights[i] = 1 / float64(counts[l])
	}
	return weights
}

// LabelsFromCounts maps per-trial spike counts onto class ids. With binary set,
// a trial is 1 when it holds at least one spike. Otherwise every distinct count
// becomes a class, ordered by count. The returned slice lists the count behind
// each class id.
func LabelsFromCounts(counts []int, binary bool) ([]int, []int) {
	labels := make([]int, len(counts))
	if binary {
		for i, c := range counts {
			if c > 0 {
				labels[i] = 1
			}
		}
		return labels, []int{0, 1}
	}
	distinct := map[int]bool{}
	for _, c := range counts {
		distinct[c] = true
	}
	classes := make([]int, 0, len(distinct))
	for c := range distinct {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	for i, c := range counts {
		labels[i] = sort.SearchInts(classes, c)
	}
	return labels, classes
}

// SpikeEvents builds a mask of n time points with 1 at every spike time.
// Times are in seconds from the first sample; times outside the trial are ignored.
func SpikeEvents(times []float64, n int, sfreq float64) []uint8 {
	mask := make([]uint8, n)
	for _, t := range times {
		idx := int(math.Round(t * sfreq))
		if idx >= 0 && idx < n {
			mask[idx] = 1
		}
	}
	return mask
}
