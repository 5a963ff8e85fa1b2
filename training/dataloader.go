package training

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/tgnassou/MEEG-Brainstorm/dataset"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Sampler yields the trial order of one epoch
type Sampler interface {
	Indices(epoch int) []int
}

// SequentialSampler visits every trial in order
type SequentialSampler struct{ N int }

func (s SequentialSampler) Indices(int) []int {
	out := make([]int, s.N)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomSampler permutes the trials every epoch; epoch e of seed s is always the same permutation
type RandomSampler struct {
	N    int
	Seed int64
}

func (s RandomSampler) Indices(epoch int) []int {
	rng := rand.New(rand.NewSource(s.Seed + int64(epoch)*1_000_003))
	return rng.Perm(s.N)
}

// WeightedSampler draws NumSamples trials with replacement, trial i with
// probability proportional to Weights[i]
type WeightedSampler struct {
	Weights    []float64
	NumSamples int
	Seed       int64
}

func (s WeightedSampler) Indices(epoch int) []int {
	cdf := make([]float64, len(s.Weights))
	var total float64
	for i, w := range s.Weights {
		total += w
		cdf[i] = total
	}
	rng := rand.New(rand.NewSource(s.Seed + int64(epoch)*1_000_003))
	out := make([]int, s.NumSamples)
	for i := range out {
		out[i] = sort.SearchFloat64s(cdf, rng.Float64()*total)
		if out[i] >= len(cdf) {
			out[i] = len(cdf) - 1
		}
	}
	return out
}

// LoaderConfig configures batching and prefetching
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Balanced  bool // class-balanced sampling with replacement
	Workers   int  // 0 assembles batches on the consumer goroutine
	Prefetch  int  // batches assembled ahead of the consumer
	NWindows  int  // >0 produces per-window detection targets
	Seed      int64
}

// DefaultLoaderConfig mirrors the defaults of the training scripts: batch 16, shuffled
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{BatchSize: 16, Shuffle: true, Workers: 0, Prefetch: 2}
}

// Batch represents a batch of trials and their targets
type Batch struct {
	Index   int
	Data    *tensor.Tensor // [B,1,C,T]
	Targets Targets
}

// Size is the number of trials in the batch
func (b *Batch) Size() int { return b.Data.Shape[0] }

// DataLoader provides batching, shuffling, and background loading over a trial set
type DataLoader struct {
	set     *dataset.Set
	config  LoaderConfig
	sampler Sampler
	epoch   int
	mutex   sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(set *dataset.Set, config LoaderConfig) (*DataLoader, error) {
	if set == nil {
		return nil, fmt.Errorf("data loader needs a trial set")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("worker count must be non-negative, got %d", config.Workers)
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	if config.NWindows > 0 && !set.HasEvents() {
		return nil, fmt.Errorf("detection targets need spike events, subject %s has none", set.Subject)
	}

	var sampler Sampler = SequentialSampler{N: set.Len()}
	switch {
	case config.Balanced:
		sampler = WeightedSampler{Weights: set.BalancedWeights(), NumSamples: set.Len(), Seed: config.Seed}
	case config.Shuffle:
		sampler = RandomSampler{N: set.Len(), Seed: config.Seed}
	}
	return &DataLoader{set: set, config: config, sampler: sampler}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.set.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of trials in an epoch
func (dl *DataLoader) NumSamples() int { return dl.set.Len() }

// Set returns the underlying trials
func (dl *DataLoader) Set() *dataset.Set { return dl.set }

// Config returns the loader configuration
func (dl *DataLoader) Config() LoaderConfig { return dl.config }

// Iterator walks the batches of one epoch
type Iterator struct {
	dl      *DataLoader
	batches [][]int
	next    int

	// prefetch pipeline, nil when Workers == 0
	ctx    context.Context
	cancel context.CancelFunc
	order  chan chan batchResult
	wg     sync.WaitGroup
}

type batchResult struct {
	batch *Batch
	err   error
}

// Epoch starts a pass over the data. Each call advances the sampler epoch, so
// shuffled loaders yield a new order every time. The iterator must be closed.
func (dl *DataLoader) Epoch(ctx context.Context) *Iterator {
	dl.mutex.Lock()
	indices := dl.sampler.Indices(dl.epoch)
	dl.epoch++
	dl.mutex.Unlock()

	it := &Iterator{dl: dl}
	for start := 0; start < len(indices); start += dl.config.BatchSize {
		end := min(start+dl.config.BatchSize, len(indices))
		it.batches = append(it.batches, indices[start:end])
	}
	if dl.config.Workers > 0 {
		it.start(ctx)
	} else {
		it.ctx = ctx
	}
	return it
}

// start launches the workers. A dispatcher hands batch jobs to the workers and
// queues each job's result slot in batch order; the queue depth bounds how far
// the workers run ahead of the consumer.
func (it *Iterator) start(parent context.Context) {
	it.ctx, it.cancel = context.WithCancel(parent)
	it.order = make(chan chan batchResult, it.dl.config.Prefetch)

	type job struct {
		index   int
		indices []int
		out     chan batchResult
	}
	jobs := make(chan job)

	for w := 0; w < it.dl.config.Workers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for j := range jobs {
				b, err := it.dl.assemble(j.index, j.indices)
				j.out <- batchResult{batch: b, err: err}
			}
		}()
	}

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		defer close(it.order)
		for k, idx := range it.batches {
			out := make(chan batchResult, 1)
			select {
			case it.order <- out:
			case <-it.ctx.Done():
				return
			}
			select {
			case jobs <- job{index: k, indices: idx, out: out}:
			case <-it.ctx.Done():
				return
			}
		}
	}()
}

// Next returns the next batch, or nil when the epoch is complete. It blocks
// until the batch is ready.
func (it *Iterator) Next() (*Batch, error) {
	if it.order == nil {
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		if it.next >= len(it.batches) {
			return nil, nil
		}
		k := it.next
		it.next++
		return it.dl.assemble(k, it.batches[k])
	}

	var slot chan batchResult
	select {
	case s, ok := <-it.order:
		if !ok {
			if err := it.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		slot = s
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
	select {
	case r := <-slot:
		if r.err != nil {
			return nil, fmt.Errorf("failed to load batch: %w", r.err)
		}
		it.next++
		return r.batch, nil
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit. Result slots are
// buffered, so workers never block on an abandoned batch.
func (it *Iterator) Close() {
	if it.cancel == nil {
		return
	}
	it.cancel()
	it.wg.Wait()
}

// assemble copies the selected trials into a batch tensor and builds the targets
func (dl *DataLoader) assemble(index int, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	set := dl.set
	size := set.TrialSize()
	data := make([]float32, len(indices)*size)
	targets := Targets{Classes: make([]int, len(indices))}
	if dl.config.NWindows > 0 {
		targets.NWindows = dl.config.NWindows
		targets.Windows = make([]float32, 0, len(indices)*dl.config.NWindows)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= set.Len() {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, set.Len())
		}
		copy(data[i*size:(i+1)*size], set.Trial(idx))
		targets.Classes[i] = set.Labels[idx]
		if dl.config.NWindows > 0 {
			w, err := set.WindowLabels(idx, dl.config.NWindows)
			if err != nil {
				return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			targets.Windows = append(targets.Windows, w...)
		}
	}
	x, err := tensor.NewTensor([]int{len(indices), 1, set.Channels, set.TimePoints}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	return &Batch{Index: index, Data: x, Targets: targets}, nil
}
