package training

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/tgnassou/MEEG-Brainstorm/dataset"
	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
)

func testModelConfig(method models.Method, set *dataset.Set) models.Config {
	cfg := models.DefaultConfig(method, set.Channels, set.TimePoints)
	cfg.EmbSize = 8
	cfg.NumHeads = 2
	cfg.Depth = 1
	cfg.Expansion = 2
	cfg.PositionKernel = 5
	cfg.TimeKernel = 4
	cfg.TimeStride = 2
	cfg.HiddenSize = 6
	cfg.NWindows = 2
	return cfg
}

type fixture struct {
	train, validation *DataLoader
	model             *models.Network
}

func newFixture(t *testing.T, method models.Method, set *dataset.Set) fixture {
	t.Helper()
	trainSet, valSet, _, err := dataset.Split(set, dataset.Ratios{Validation: 0.25}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	nWindows := 0
	if method.Detection() {
		nWindows = 2
	}
	train, err := NewDataLoader(trainSet, LoaderConfig{BatchSize: 8, Shuffle: true, NWindows: nWindows, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	validation, err := NewDataLoader(valSet, LoaderConfig{BatchSize: 8, NWindows: nWindows})
	if err != nil {
		t.Fatal(err)
	}
	model, err := models.New(testModelConfig(method, set))
	if err != nil {
		t.Fatal(err)
	}
	return fixture{train: train, validation: validation, model: model}
}

func oneEpoch() Config {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	return cfg
}

func TestTrainOneEpoch(t *testing.T) {
	set := syntheticSet(t, 20)
	for _, method := range []models.Method{models.TransformerClassification, models.RNNSelfAttentionMethod} {
		f := newFixture(t, method, set)
		trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, oneEpoch())
		if err != nil {
			t.Fatal(err)
		}
		h, err := trainer.Train(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if trainer.Context().Phase != PhaseCompleted {
			t.Errorf("%s: phase %s after training", method, trainer.Context().Phase)
		}
		last, ok := h.LastValidation()
		if !ok || len(h.Train) != 1 {
			t.Fatalf("%s: history %+v", method, h)
		}
		if last.Accuracy < 0 || last.Accuracy > 100 {
			t.Errorf("%s: accuracy %d outside [0, 100]", method, last.Accuracy)
		}
		if last.F1 < 0 || last.F1 > 1 {
			t.Errorf("%s: macro F1 %v outside [0, 1]", method, last.F1)
		}
		if math.IsNaN(last.Loss) || h.BestAccuracySnapshot.Epoch != 0 || len(h.BestF1Snapshot.Predictions) != 10 {
			t.Errorf("%s: unexpected trackers %+v", method, h)
		}
		if trainer.Optimizer().GetStepCount() != uint64(f.train.Len()) {
			t.Errorf("%s: %d optimizer steps for %d batches", method, trainer.Optimizer().GetStepCount(), f.train.Len())
		}
	}
}

func TestTrainMixUpCostSensitiveDetection(t *testing.T) {
	set := syntheticSet(t, 10)
	f := newFixture(t, models.TransformerDetection, set)
	cfg := DefaultConfig()
	cfg.Epochs = 2
	cfg.MixUp = true
	cfg.CostSensitive = true
	cfg.Scheduler = SchedulerConfig{Type: "step", StepSize: 1, Gamma: 0.5}
	trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h, err := trainer.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Validation) != 2 {
		t.Fatalf("expected 2 validation records, got %d", len(h.Validation))
	}
	// one decision per window
	if got := len(h.BestAccuracySnapshot.Labels); got != f.validation.NumSamples()*2 {
		t.Errorf("snapshot holds %d window labels", got)
	}
	if lr := h.Train[1].LR; math.Abs(lr-0.5e-3) > 1e-12 {
		t.Errorf("second epoch learning rate %v", lr)
	}
}

func TestEvaluateReproducesLastValidation(t *testing.T) {
	set := syntheticSet(t, 20)
	f := newFixture(t, models.TransformerClassification, set)
	cfg := DefaultConfig()
	cfg.Epochs = 2
	cfg.Save = true
	cfg.Paths = DefaultPaths(t.TempDir(), "stt")
	trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h, err := trainer.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{cfg.Paths.Model, cfg.Paths.Optimizer, cfg.Paths.ModelConfig, cfg.Paths.OptimizerConfig} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}

	acc, f1, err := Evaluate(context.Background(), cfg.Paths, f.validation)
	if err != nil {
		t.Fatal(err)
	}
	last, _ := h.LastValidation()
	if acc != last.Accuracy || f1 != last.F1 {
		t.Errorf("evaluate gave acc %d f1 %v, last validation acc %d f1 %v", acc, f1, last.Accuracy, last.F1)
	}

	_, opt, err := Restore(cfg.Paths)
	if err != nil {
		t.Fatal(err)
	}
	if opt.GetStepCount() != trainer.Optimizer().GetStepCount() {
		t.Errorf("restored step %d, trained %d", opt.GetStepCount(), trainer.Optimizer().GetStepCount())
	}
}

func TestEvaluateMissingArtifacts(t *testing.T) {
	set := syntheticSet(t, 5)
	dl, _ := NewDataLoader(set, LoaderConfig{BatchSize: 4})
	if _, _, err := Evaluate(context.Background(), DefaultPaths(t.TempDir(), "none"), dl); err == nil {
		t.Error("expected error for missing checkpoint files")
	}
}

func TestTrainingIsDeterministic(t *testing.T) {
	set := syntheticSet(t, 10)
	run := func() *History {
		f := newFixture(t, models.TransformerClassification, set)
		cfg := DefaultConfig()
		cfg.Epochs = 2
		cfg.MixUp = true
		trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, cfg)
		if err != nil {
			t.Fatal(err)
		}
		h, err := trainer.Train(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	a, b := run(), run()
	for i := range a.Validation {
		ra, rb := a.Validation[i], b.Validation[i]
		if ra.Accuracy != rb.Accuracy || ra.F1 != rb.F1 || ra.Loss != rb.Loss || a.Train[i].Loss != b.Train[i].Loss {
			t.Errorf("epoch %d differs between identical runs: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestTrainGuards(t *testing.T) {
	set := syntheticSet(t, 5)

	t.Run("empty validation", func(t *testing.T) {
		f := newFixture(t, models.TransformerClassification, set)
		empty, _ := dataset.NewSet("empty", set.Channels, set.TimePoints, nil, nil, nil)
		f.validation, _ = NewDataLoader(empty, LoaderConfig{BatchSize: 4})
		trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, oneEpoch())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := trainer.Train(context.Background()); !errors.Is(err, ErrEmptyEpoch) {
			t.Errorf("expected ErrEmptyEpoch, got %v", err)
		}
	})

	t.Run("nan loss", func(t *testing.T) {
		data := append([]float32(nil), set.Data...)
		for i := range data {
			data[i] = float32(math.NaN())
		}
		poisoned, _ := dataset.NewSet("nan", set.Channels, set.TimePoints, data, set.Labels, nil)
		f := newFixture(t, models.TransformerClassification, poisoned)
		trainer, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, oneEpoch())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := trainer.Train(context.Background()); !errors.Is(err, ErrNaNLoss) {
			t.Errorf("expected ErrNaNLoss, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		f := newFixture(t, models.TransformerClassification, set)
		cfg := oneEpoch()
		cfg.Save = true
		if _, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, cfg); err == nil {
			t.Error("expected error when saving without paths")
		}
		cfg = oneEpoch()
		cfg.Epochs = 0
		if _, err := NewTrainer(f.model, optimizer.DefaultConfig(), f.train, f.validation, cfg); err == nil {
			t.Error("expected error for zero epochs")
		}
	})
}

func TestEarlyStoppingRestoresBest(t *testing.T) {
	set := syntheticSet(t, 5)
	f := newFixture(t, models.TransformerClassification, set)
	cfg := DefaultConfig()
	cfg.Epochs = 30
	cfg.Patience = 1
	cfg.RestoreBest = true
	// a learning rate this large makes the validation loss bounce
	ocfg := optimizer.DefaultConfig()
	ocfg.LR = 0.5
	trainer, err := NewTrainer(f.model, ocfg, f.train, f.validation, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h, err := trainer.Train(context.Background())
	if err != nil && !errors.Is(err, ErrNaNLoss) {
		t.Fatal(err)
	}
	if err != nil {
		t.Skip("diverged before early stopping")
	}
	if !h.StoppedEarly {
		t.Skip("validation loss never stalled")
	}
	if h.BestLossEpoch < 0 || h.BestLossEpoch >= len(h.Validation)-1 {
		t.Errorf("best loss epoch %d with %d epochs", h.BestLossEpoch, len(h.Validation))
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		PhaseInitialized: "Initialized",
		PhaseTraining:    "Training",
		PhaseValidating:  "Validating",
		PhaseCompleted:   "Completed",
	} {
		if p.String() != want {
			t.Errorf("%d: %s", int(p), p)
		}
	}
}

func TestEpochRecordUsesMacroF1(t *testing.T) {
	// class 1 F1 is 0.8, class 0 F1 is 2/3
	p := newPassStats(2)
	if err := p.matrix.Update([]int{1, 1, 1, 0}, []int{1, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	p.lossSum, p.lastLoss, p.batches = 3, 1, 2

	rec, err := p.record(4)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Epoch != 4 || rec.Accuracy != 75 || rec.Loss != 1.5 || rec.LastBatchLoss != 1 {
		t.Errorf("unexpected record %+v", rec)
	}
	if want := (0.8 + 2.0/3) / 2; math.Abs(rec.F1-want) > 1e-9 {
		t.Errorf("F1 %v, want macro %v", rec.F1, want)
	}
	if _, _, binary := p.matrix.Scores(AverageBinary); math.Abs(binary-0.8) > 1e-9 {
		t.Errorf("binary F1 %v, want 0.8", binary)
	}
}
