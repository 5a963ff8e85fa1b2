package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptyEpoch is returned when a pass over a loader sees no example
	ErrEmptyEpoch = errors.New("epoch contains no examples")
	// ErrNaNLoss aborts training when a batch loss is not a number
	ErrNaNLoss = errors.New("loss is NaN")
)

// Phase is the position of a run in the training state machine
type Phase int

const (
	PhaseInitialized Phase = iota
	PhaseTraining
	PhaseValidating
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "Initialized"
	case PhaseTraining:
		return "Training"
	case PhaseValidating:
		return "Validating"
	case PhaseCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config holds configuration for training
type Config struct {
	Epochs        int
	Patience      int  // epochs without validation loss improvement before stopping, 0 disables
	RestoreBest   bool // reload the weights of the lowest validation loss after early stopping
	MixUp         bool
	Beta          float64 // mix-up Beta(beta, beta) parameter
	CostSensitive bool
	Lambda        float32 // cost-sensitive penalty weight
	Average       Average // reduction for the precision/recall/F1 result columns
	Scheduler     SchedulerConfig
	Save          bool
	Paths         Paths
	Seed          int64
	Verbose       bool
	Progress      io.Writer // progress bar output, drawn only on terminals
}

// DefaultConfig mirrors the training scripts: 100 epochs, patience 10, beta 0.4
// and lambda 1e-4
func DefaultConfig() Config {
	return Config{
		Epochs:   100,
		Patience: 10,
		Beta:     0.4,
		Lambda:   1e-4,
		Average:  AverageBinary,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epoch count must be positive, got %d", c.Epochs)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must be non-negative, got %d", c.Patience)
	}
	if c.MixUp && c.Beta <= 0 {
		return fmt.Errorf("mix-up beta must be positive, got %v", c.Beta)
	}
	if c.CostSensitive && c.Lambda <= 0 {
		return fmt.Errorf("cost-sensitive lambda must be positive, got %v", c.Lambda)
	}
	if c.Save && c.Paths.Model == "" {
		return fmt.Errorf("saving requires checkpoint paths")
	}
	return nil
}

// EpochRecord holds the metrics of one pass
type EpochRecord struct {
	Epoch         int
	Loss          float64 // mean of the batch losses
	LastBatchLoss float64
	Accuracy      int // floor(100 * correct / total)
	F1            float64
	LR            float64
	Duration      time.Duration
}

// Snapshot retains the predictions and labels of one validation pass
type Snapshot struct {
	Epoch       int
	Predictions []int
	Labels      []int
}

// History is what a completed run emits
type History struct {
	Train      []EpochRecord
	Validation []EpochRecord

	// Best trackers use strictly greater comparison, ties keep the earlier epoch
	BestAccuracy         int
	BestAccuracySnapshot Snapshot
	BestF1               float64
	BestF1Snapshot       Snapshot

	MeanTrainAccuracy      float64
	MeanTrainF1            float64
	MeanValidationAccuracy float64
	MeanValidationF1       float64

	StoppedEarly  bool
	BestLossEpoch int
}

// LastValidation returns the record of the final validation pass
func (h *History) LastValidation() (EpochRecord, bool) {
	if len(h.Validation) == 0 {
		return EpochRecord{}, false
	}
	return h.Validation[len(h.Validation)-1], true
}

// RunContext is the mutable state of one run
type RunContext struct {
	Phase Phase
	Epoch int

	history     *History
	bestLoss    float64
	stale       int
	bestWeights [][]float32
}

func newRunContext() *RunContext {
	return &RunContext{
		Phase:    PhaseInitialized,
		history:  &History{BestAccuracySnapshot: Snapshot{Epoch: -1}, BestF1Snapshot: Snapshot{Epoch: -1}, BestLossEpoch: -1},
		bestLoss: math.Inf(1),
	}
}

// trackBest updates the best-accuracy and best-F1 trackers
func (rc *RunContext) trackBest(rec EpochRecord, stats *passStats) {
	h := rc.history
	if h.BestAccuracySnapshot.Epoch < 0 || rec.Accuracy > h.BestAccuracy {
		h.BestAccuracy = rec.Accuracy
		h.BestAccuracySnapshot = stats.snapshot(rec.Epoch)
	}
	if h.BestF1Snapshot.Epoch < 0 || rec.F1 > h.BestF1 {
		h.BestF1 = rec.F1
		h.BestF1Snapshot = stats.snapshot(rec.Epoch)
	}
}

// Trainer manages the training process of one model
type Trainer struct {
	model      *models.Network
	optimizer  optimizer.Optimizer
	optConfig  optimizer.Config
	criterion  Loss
	mixer      *Mixer
	scheduler  LRScheduler
	train      *DataLoader
	validation *DataLoader
	config     Config
	numClasses int
	run        *RunContext
}

// NewTrainer creates a trainer and the optimizer described by optConfig
func NewTrainer(model *models.Network, optConfig optimizer.Config, train, validation *DataLoader, config Config) (*Trainer, error) {
	if model == nil || train == nil || validation == nil {
		return nil, fmt.Errorf("trainer needs a model, a training loader and a validation loader")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	mcfg := model.Config()
	if mcfg.Method.Detection() && (train.Config().NWindows != mcfg.NWindows || validation.Config().NWindows != mcfg.NWindows) {
		return nil, fmt.Errorf("detection loaders must produce %d windows", mcfg.NWindows)
	}
	opt, err := optimizer.New(optConfig, model.Parameters())
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	sched, err := NewScheduler(config.Scheduler)
	if err != nil {
		return nil, err
	}
	var lambda float32
	if config.CostSensitive {
		lambda = config.Lambda
	}
	t := &Trainer{
		model:      model,
		optimizer:  opt,
		optConfig:  optConfig,
		criterion:  NewLoss(mcfg.Method.Detection(), lambda),
		scheduler:  sched,
		train:      train,
		validation: validation,
		config:     config,
		numClasses: numClasses(mcfg),
		run:        newRunContext(),
	}
	if config.MixUp {
		if t.mixer, err = NewMixer(config.Beta, config.Seed); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func numClasses(cfg models.Config) int {
	if cfg.Method.Detection() {
		return 2
	}
	return cfg.NClasses
}

// Model returns the trained network
func (t *Trainer) Model() *models.Network { return t.model }

// Optimizer returns the optimizer updating the network
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Context returns the run state
func (t *Trainer) Context() *RunContext { return t.run }

// Train runs the complete training loop: for every epoch a training pass then a
// validation pass, until the epoch budget or early stopping ends the run
func (t *Trainer) Train(ctx context.Context) (*History, error) {
	if t.run.Phase != PhaseInitialized {
		return nil, fmt.Errorf("trainer already used, phase %s", t.run.Phase)
	}
	if t.config.Verbose {
		log.Printf("Starting training for %d epochs: %s, %d trainable parameters, loss %s",
			t.config.Epochs, t.model.Config().Method, t.model.Spec().TotalParameters, t.criterion.Name())
	}
	baseLR := t.optimizer.GetLR()
	h := t.run.history

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.run.Epoch = epoch
		t.optimizer.SetLR(t.scheduler.LR(epoch, baseLR))

		t.run.Phase = PhaseTraining
		start := time.Now()
		trainStats, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		trainRec, err := trainStats.record(epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d: %w", epoch, err)
		}
		trainRec.LR = t.optimizer.GetLR()
		trainRec.Duration = time.Since(start)

		t.run.Phase = PhaseValidating
		start = time.Now()
		valStats, err := evaluatePass(ctx, t.model, t.validation, t.criterion, t.numClasses)
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}
		valRec, err := valStats.record(epoch)
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d: %w", epoch, err)
		}
		valRec.LR = trainRec.LR
		valRec.Duration = time.Since(start)

		h.Train = append(h.Train, trainRec)
		h.Validation = append(h.Validation, valRec)
		t.run.trackBest(valRec, valStats)
		t.printEpochSummary(trainRec, valRec)

		if ms, ok := t.scheduler.(MetricScheduler); ok {
			t.optimizer.SetLR(ms.Observe(valRec.Loss, t.optimizer.GetLR()))
		}
		if t.earlyStop(valRec) {
			h.StoppedEarly = true
			if t.config.Verbose {
				log.Printf("Early stopping triggered after %d epochs", epoch+1)
			}
			break
		}
	}

	if h.StoppedEarly && t.config.RestoreBest && t.run.bestWeights != nil {
		for i, p := range t.model.State() {
			copy(p.Data, t.run.bestWeights[i])
		}
	}
	h.MeanTrainAccuracy, h.MeanTrainF1 = meanMetrics(h.Train)
	h.MeanValidationAccuracy, h.MeanValidationF1 = meanMetrics(h.Validation)
	t.run.Phase = PhaseCompleted

	if t.config.Save {
		if err := Save(t.config.Paths, t.model, t.optimizer, t.optConfig); err != nil {
			return h, err
		}
	}
	return h, nil
}

// earlyStop tracks the lowest validation loss and reports when patience is exhausted
func (t *Trainer) earlyStop(rec EpochRecord) bool {
	rc := t.run
	if rec.Loss < rc.bestLoss {
		rc.bestLoss = rec.Loss
		rc.stale = 0
		rc.history.BestLossEpoch = rec.Epoch
		if t.config.RestoreBest {
			state := t.model.State()
			if rc.bestWeights == nil {
				rc.bestWeights = make([][]float32, len(state))
			}
			for i, p := range state {
				rc.bestWeights[i] = append(rc.bestWeights[i][:0], p.Data...)
			}
		}
		return false
	}
	rc.stale++
	return t.config.Patience > 0 && rc.stale >= t.config.Patience
}

// trainEpoch runs one training epoch with gradient updates
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (*passStats, error) {
	t.model.Train()
	stats := newPassStats(t.numClasses)

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), t.train.Len())
		defer bar.Finish()
	}

	it := t.train.Epoch(ctx)
	defer it.Close()
	for {
		batch, err := it.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return stats, nil
		}

		t.optimizer.ZeroGrad()
		input := batch.Data
		var mixed *MixedBatch
		if t.mixer != nil {
			mixed = t.mixer.Mix(input)
			input = mixed.Data
		}
		logits, err := t.model.Forward(input)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %w", err)
		}

		var loss *tensor.Tensor
		if mixed != nil {
			loss, err = MixedLoss(t.criterion, logits, batch.Targets, mixed.Lambdas, mixed.Shift)
		} else {
			var perExample *tensor.Tensor
			if perExample, err = t.criterion.PerExample(logits, batch.Targets); err == nil {
				loss = tensor.MeanAll(perExample)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("loss computation failed: %w", err)
		}
		value, err := loss.Item()
		if err != nil {
			return nil, fmt.Errorf("failed to get loss value: %w", err)
		}
		if math.IsNaN(float64(value)) {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, ErrNaNLoss)
		}
		if err := tensor.Backward(loss); err != nil {
			return nil, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step failed: %w", err)
		}

		if err := stats.add(logits, batch.Targets, value); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Update(batch.Index+1, map[string]float64{"loss": float64(value)})
		}
	}
}

// Scores is one row of test metrics
type Scores struct {
	Accuracy       int
	F1             float64
	Precision      float64
	Recall         float64
	F1Macro        float64
	PrecisionMacro float64
	RecallMacro    float64
}

// Score runs the model over loader without gradients and returns the test metrics
func (t *Trainer) Score(ctx context.Context, loader *DataLoader) (Scores, error) {
	stats, err := evaluatePass(ctx, t.model, loader, nil, t.numClasses)
	if err != nil {
		return Scores{}, err
	}
	acc, err := stats.matrix.Accuracy()
	if err != nil {
		return Scores{}, err
	}
	s := Scores{Accuracy: acc}
	s.Precision, s.Recall, s.F1 = stats.matrix.Scores(t.config.Average)
	s.PrecisionMacro, s.RecallMacro, s.F1Macro = stats.matrix.Scores(AverageMacro)
	return s, nil
}

// printEpochSummary prints a summary of the epoch results
func (t *Trainer) printEpochSummary(train, val EpochRecord) {
	if !t.config.Verbose {
		return
	}
	log.Printf("Epoch %d/%d: Train Loss=%.4f, Train Acc=%d%%, Train F1=%.4f, Valid Loss=%.4f, Valid Acc=%d%%, Valid F1=%.4f, LR=%.2e, Time=%v",
		train.Epoch+1, t.config.Epochs, train.Loss, train.Accuracy, train.F1,
		val.Loss, val.Accuracy, val.F1, train.LR, train.Duration+val.Duration)
}

func meanMetrics(records []EpochRecord) (acc, f1 float64) {
	if len(records) == 0 {
		return 0, 0
	}
	accs := make([]float64, len(records))
	f1s := make([]float64, len(records))
	for i, r := range records {
		accs[i] = float64(r.Accuracy)
		f1s[i] = r.F1
	}
	return stat.Mean(accs, nil), stat.Mean(f1s, nil)
}

// passStats accumulates one pass over a loader
type passStats struct {
	matrix      *ConfusionMatrix
	lossSum     float64
	batches     int
	lastLoss    float64
	predictions []int
	labels      []int
}

func newPassStats(numClasses int) *passStats {
	return &passStats{matrix: NewConfusionMatrix(numClasses)}
}

func (p *passStats) add(logits *tensor.Tensor, targets Targets, loss float32) error {
	preds, labels := decide(logits, targets)
	if err := p.matrix.Update(preds, labels); err != nil {
		return err
	}
	p.predictions = append(p.predictions, preds...)
	p.labels = append(p.labels, labels...)
	p.lossSum += float64(loss)
	p.lastLoss = float64(loss)
	p.batches++
	return nil
}

// record reduces the pass to an epoch record; F1 is macro averaged
func (p *passStats) record(epoch int) (EpochRecord, error) {
	acc, err := p.matrix.Accuracy()
	if err != nil {
		return EpochRecord{}, err
	}
	return EpochRecord{
		Epoch:         epoch,
		Loss:          p.lossSum / float64(p.batches),
		LastBatchLoss: p.lastLoss,
		Accuracy:      acc,
		F1:            p.matrix.GetMetric(MacroF1),
	}, nil
}

func (p *passStats) snapshot(epoch int) Snapshot {
	return Snapshot{
		Epoch:       epoch,
		Predictions: append([]int(nil), p.predictions...),
		Labels:      append([]int(nil), p.labels...),
	}
}

// decide turns logits into predicted and true labels: the argmax class for
// classification, one positive/negative decision per window for detection
func decide(logits *tensor.Tensor, targets Targets) (preds, labels []int) {
	if !targets.Detection() {
		return tensor.ArgMaxLast(logits), targets.Classes
	}
	preds = make([]int, len(logits.Data))
	for i, v := range logits.Data {
		if v > 0 {
			preds[i] = 1
		}
	}
	labels = make([]int, len(targets.Windows))
	for i, y := range targets.Windows {
		if y >= 0.5 {
			labels[i] = 1
		}
	}
	return preds, labels
}

// evaluatePass runs model over loader in evaluation mode without recording
// gradients. loss may be nil when only the metrics are needed.
func evaluatePass(ctx context.Context, model *models.Network, loader *DataLoader, loss Loss, numClasses int) (*passStats, error) {
	if model.IsTraining() {
		model.Eval()
		defer model.Train()
	}
	stats := newPassStats(numClasses)
	err := tensor.NoGrad(func() error {
		it := loader.Epoch(ctx)
		defer it.Close()
		for {
			batch, err := it.Next()
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}
			logits, err := model.Forward(batch.Data)
			if err != nil {
				return fmt.Errorf("forward pass failed: %w", err)
			}
			var value float32
			if loss != nil {
				perExample, err := loss.PerExample(logits, batch.Targets)
				if err != nil {
					return fmt.Errorf("loss computation failed: %w", err)
				}
				if value, err = tensor.MeanAll(perExample).Item(); err != nil {
					return err
				}
				if math.IsNaN(float64(value)) {
					return fmt.Errorf("batch %d: %w", batch.Index, ErrNaNLoss)
				}
			}
			if err := stats.add(logits, batch.Targets, value); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
