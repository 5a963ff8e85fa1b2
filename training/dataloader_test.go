package training

import (
	"context"
	"errors"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/dataset"
)

func syntheticSet(t *testing.T, trialsPerClass int) *dataset.Set {
	t.Helper()
	cfg := dataset.DefaultSyntheticConfig()
	cfg.Subjects = 1
	cfg.TrialsPerClass = trialsPerClass
	cfg.Seed = 42
	set, err := dataset.GenerateSubject(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func collect(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	it := dl.Epoch(context.Background())
	defer it.Close()
	var out []*Batch
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func TestDataLoaderBatches(t *testing.T) {
	set := syntheticSet(t, 20)
	dl, err := NewDataLoader(set, LoaderConfig{BatchSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	if dl.Len() != 3 {
		t.Fatalf("expected 3 batches, got %d", dl.Len())
	}
	batches := collect(t, dl)
	sizes := []int{16, 16, 8}
	for i, b := range batches {
		if b.Index != i || b.Size() != sizes[i] {
			t.Errorf("batch %d: index %d, size %d", i, b.Index, b.Size())
		}
		if b.Data.Shape[1] != 1 || b.Data.Shape[2] != set.Channels || b.Data.Shape[3] != set.TimePoints {
			t.Errorf("batch %d: shape %v", i, b.Data.Shape)
		}
	}
	// sequential order keeps trial 17 at position 1 of batch 1
	got := batches[1].Data.Data[set.TrialSize() : 2*set.TrialSize()]
	want := set.Trial(17)
	for j := range want {
		if got[j] != want[j] {
			t.Fatal("sequential loader reordered the trials")
		}
	}
	if batches[1].Targets.Classes[1] != set.Labels[17] {
		t.Error("labels do not follow their trials")
	}
}

func TestDataLoaderPrefetchMatchesSync(t *testing.T) {
	set := syntheticSet(t, 20)
	syncCfg := LoaderConfig{BatchSize: 6, Shuffle: true, Seed: 9}
	asyncCfg := syncCfg
	asyncCfg.Workers = 3
	asyncCfg.Prefetch = 2

	a, _ := NewDataLoader(set, syncCfg)
	b, _ := NewDataLoader(set, asyncCfg)
	for epoch := 0; epoch < 2; epoch++ {
		sa := collect(t, a)
		sb := collect(t, b)
		if len(sa) != len(sb) {
			t.Fatalf("epoch %d: %d vs %d batches", epoch, len(sa), len(sb))
		}
		for i := range sa {
			if sa[i].Index != sb[i].Index || len(sa[i].Data.Data) != len(sb[i].Data.Data) {
				t.Fatalf("epoch %d batch %d differs", epoch, i)
			}
			for j := range sa[i].Data.Data {
				if sa[i].Data.Data[j] != sb[i].Data.Data[j] {
					t.Fatalf("epoch %d batch %d: prefetched data differs", epoch, i)
				}
			}
		}
	}
}

func TestDataLoaderShufflesPerEpoch(t *testing.T) {
	set := syntheticSet(t, 20)
	dl, _ := NewDataLoader(set, LoaderConfig{BatchSize: 40, Shuffle: true, Seed: 1})
	first := collect(t, dl)[0].Targets.Classes
	second := collect(t, dl)[0].Targets.Classes
	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
		}
	}
	if same {
		t.Error("two epochs produced the same order")
	}
}

func TestBalancedSampler(t *testing.T) {
	set := syntheticSet(t, 20)
	// keep 30 trials of class 0 and 5 of class 1
	var idx []int
	var zeros, ones int
	for i, l := range set.Labels {
		if l == 0 && zeros < 30 {
			idx, zeros = append(idx, i), zeros+1
		}
		if l == 1 && ones < 5 {
			idx, ones = append(idx, i), ones+1
		}
	}
	sub := set.Subset(idx)
	sampler := WeightedSampler{Weights: sub.BalancedWeights(), NumSamples: 4000, Seed: 5}
	counts := make([]int, 2)
	for _, i := range sampler.Indices(0) {
		counts[sub.Labels[i]]++
	}
	if counts[1] < 1700 || counts[1] > 2300 {
		t.Errorf("balanced sampling drew class counts %v", counts)
	}
}

func TestDataLoaderCancellation(t *testing.T) {
	set := syntheticSet(t, 20)
	for _, workers := range []int{0, 2} {
		dl, _ := NewDataLoader(set, LoaderConfig{BatchSize: 4, Workers: workers, Prefetch: 1})
		ctx, cancel := context.WithCancel(context.Background())
		it := dl.Epoch(ctx)
		if _, err := it.Next(); err != nil {
			t.Fatal(err)
		}
		cancel()
		var err error
		for {
			var b *Batch
			if b, err = it.Next(); err != nil || b == nil {
				break
			}
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("workers %d: expected context.Canceled, got %v", workers, err)
		}
		it.Close()
	}
}

func TestDataLoaderDetectionTargets(t *testing.T) {
	set := syntheticSet(t, 5)
	dl, err := NewDataLoader(set, LoaderConfig{BatchSize: 4, NWindows: 4})
	if err != nil {
		t.Fatal(err)
	}
	b := collect(t, dl)[0]
	if !b.Targets.Detection() || len(b.Targets.Windows) != 16 || b.Targets.Len() != 4 {
		t.Errorf("detection targets %+v", b.Targets)
	}

	noEvents, _ := dataset.NewSet("x", set.Channels, set.TimePoints, set.Data, set.Labels, nil)
	if _, err := NewDataLoader(noEvents, LoaderConfig{BatchSize: 4, NWindows: 4}); err == nil {
		t.Error("expected error for detection targets without events")
	}
	if _, err := NewDataLoader(set, LoaderConfig{BatchSize: 0}); err == nil {
		t.Error("expected error for zero batch size")
	}
}
