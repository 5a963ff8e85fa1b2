// Package crossval runs leave-one-patient-out cross-validation: every subject
// is held out once as the test set while models are trained on the others.
package crossval

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/tgnassou/MEEG-Brainstorm/dataset"
	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"github.com/tgnassou/MEEG-Brainstorm/storage"
	"github.com/tgnassou/MEEG-Brainstorm/training"
	"gonum.org/v1/gonum/stat"
)

// Config describes one cross-validation experiment
type Config struct {
	Model           models.Config // trial shape is taken from the data
	Optimizer       optimizer.Config
	Training        training.Config
	Loader          training.LoaderConfig
	ValidationRatio float64
	Seeds           int // runs per held-out subject, seeded 0..Seeds-1
	Save            bool
	ResultsDir      string
	Verbose         bool
}

// DefaultConfig returns the settings of the published experiments: five seeds
// per subject and 20% of the training subjects' trials kept for validation
func DefaultConfig(method models.Method) Config {
	return Config{
		Model:           models.DefaultConfig(method, 1, 1),
		Optimizer:       optimizer.DefaultConfig(),
		Training:        training.DefaultConfig(),
		Loader:          training.DefaultLoaderConfig(),
		ValidationRatio: 0.2,
		Seeds:           5,
		ResultsDir:      "results/csv",
	}
}

func (c Config) Validate() error {
	if c.Seeds <= 0 {
		return fmt.Errorf("seed count must be positive, got %d", c.Seeds)
	}
	if c.ValidationRatio <= 0 || c.ValidationRatio >= 1 {
		return fmt.Errorf("validation ratio must lie in (0, 1), got %v", c.ValidationRatio)
	}
	if c.Save && c.ResultsDir == "" {
		return fmt.Errorf("saving results requires a results directory")
	}
	return nil
}

// Report is the outcome of a completed experiment
type Report struct {
	RunID    string
	Rows     []storage.Row
	Folds    []Fold // one per row, same order
	Means    Means
	CSVPath  string
	Subjects []string
}

// Fold describes the data one row was trained and scored on
type Fold struct {
	Subject          string
	Seed             int
	TrainingSubjects []string
	Train            int // trials
	Validation       int
	Test             int
}

// Means are the averages of the test metrics over the completed folds
type Means struct {
	Accuracy  float64
	F1        float64
	Precision float64
	Recall    float64
}

// Driver runs the folds of one experiment and records a row per fold
type Driver struct {
	config Config
	source dataset.Source
	store  storage.Store
	runID  string
	rows   []storage.Row
}

// NewDriver prepares an experiment over every subject of source. store may be
// nil when rows only need to reach the CSV snapshot.
func NewDriver(config Config, source dataset.Source, store storage.Store) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("cross-validation needs a data source")
	}
	return &Driver{config: config, source: source, store: store, runID: uuid.NewString()}, nil
}

// RunID identifies the rows this driver writes to its store
func (d *Driver) RunID() string { return d.runID }

// Run trains and scores Seeds models per held-out subject. The test set of a
// fold is the held-out subject; training and validation trials are drawn from
// the union of all other subjects.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	subjects := d.source.Subjects()
	if len(subjects) < 2 {
		return nil, fmt.Errorf("leave-one-patient-out needs at least 2 subjects, got %d", len(subjects))
	}
	sets, err := dataset.LoadAll(ctx, d.source)
	if err != nil {
		return nil, err
	}
	if d.config.Model.Method.Detection() {
		d.config.Model.NClasses = 2
	} else {
		for _, set := range sets {
			if n := len(set.ClassCounts()); n > d.config.Model.NClasses {
				d.config.Model.NClasses = n
			}
		}
	}
	report := &Report{RunID: d.runID, Subjects: subjects}
	if d.config.Save {
		report.CSVPath = CSVPath(d.config.ResultsDir, d.config.Model.Method, d.config.Training.MixUp, d.config.Training.CostSensitive, len(subjects))
	}
	if d.config.Verbose {
		log.Printf("Run %s: %s over %d subjects, %d seeds each", d.runID, d.config.Model.Method, len(subjects), d.config.Seeds)
	}

	for i, subject := range subjects {
		others := make([]*dataset.Set, 0, len(sets)-1)
		var pooled []string
		for j, s := range sets {
			if j != i {
				others = append(others, s)
				pooled = append(pooled, subjects[j])
			}
		}
		pool, err := dataset.Concat(others...)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", subject, err)
		}
		for seed := 0; seed < d.config.Seeds; seed++ {
			row, fold, err := d.runFold(ctx, subject, seed, pool, sets[i])
			if err != nil {
				return nil, fmt.Errorf("subject %s fold %d: %w", subject, seed, err)
			}
			fold.TrainingSubjects = pooled
			report.Folds = append(report.Folds, fold)
			if err := d.record(ctx, row, report); err != nil {
				return nil, err
			}
		}
	}
	report.Rows = append([]storage.Row(nil), d.rows...)
	report.Means = runningMeans(d.rows)
	return report, nil
}

// runFold trains one model on pool and scores it on test
func (d *Driver) runFold(ctx context.Context, subject string, seed int, pool, test *dataset.Set) (storage.Row, Fold, error) {
	trainSet, valSet, _, err := dataset.Split(pool, dataset.Ratios{Validation: d.config.ValidationRatio}, true, int64(seed))
	if err != nil {
		return storage.Row{}, Fold{}, err
	}

	mcfg := d.config.Model
	mcfg.NChannels, mcfg.NTimePoints = test.Channels, test.TimePoints
	mcfg.Seed = int64(seed)
	model, err := models.New(mcfg)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}

	lcfg := d.config.Loader
	lcfg.Seed = int64(seed)
	if mcfg.Method.Detection() {
		lcfg.NWindows = mcfg.NWindows
	} else {
		lcfg.NWindows = 0
	}
	evalCfg := lcfg
	evalCfg.Shuffle, evalCfg.Balanced = false, false

	train, err := training.NewDataLoader(trainSet, lcfg)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}
	validation, err := training.NewDataLoader(valSet, evalCfg)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}
	testLoader, err := training.NewDataLoader(test, evalCfg)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}

	tcfg := d.config.Training
	tcfg.Seed = int64(seed)
	tcfg.Save = false
	trainer, err := training.NewTrainer(model, d.config.Optimizer, train, validation, tcfg)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}
	if _, err := trainer.Train(ctx); err != nil {
		return storage.Row{}, Fold{}, err
	}
	scores, err := trainer.Score(ctx, testLoader)
	if err != nil {
		return storage.Row{}, Fold{}, err
	}
	fold := Fold{Subject: subject, Seed: seed, Train: trainSet.Len(), Validation: valSet.Len(), Test: test.Len()}
	return storage.Row{
		RunID:          d.runID,
		Method:         mcfg.Method.String(),
		MixUp:          tcfg.MixUp,
		CostSensitive:  tcfg.CostSensitive,
		SubjectID:      subject,
		Fold:           seed,
		Accuracy:       scores.Accuracy,
		F1:             scores.F1,
		Precision:      scores.Precision,
		Recall:         scores.Recall,
		F1Macro:        scores.F1Macro,
		PrecisionMacro: scores.PrecisionMacro,
		RecallMacro:    scores.RecallMacro,
	}, fold, nil
}

// record appends a finished fold, persists it and rewrites the CSV snapshot
func (d *Driver) record(ctx context.Context, row storage.Row, report *Report) error {
	d.rows = append(d.rows, row)
	if d.store != nil {
		if err := d.store.SaveRow(ctx, row); err != nil {
			return fmt.Errorf("failed to store result row: %w", err)
		}
	}
	if report.CSVPath != "" {
		if err := WriteCSV(report.CSVPath, d.rows); err != nil {
			return err
		}
	}
	if d.config.Verbose {
		m := runningMeans(d.rows)
		log.Printf("%s fold %d: acc=%d f1=%.4f | mean acc=%.4f f1=%.4f precision=%.4f recall=%.4f",
			row.SubjectID, row.Fold, row.Accuracy, row.F1, m.Accuracy, m.F1, m.Precision, m.Recall)
	}
	return nil
}

func runningMeans(rows []storage.Row) Means {
	if len(rows) == 0 {
		return Means{}
	}
	acc := make([]float64, len(rows))
	f1 := make([]float64, len(rows))
	precision := make([]float64, len(rows))
	recall := make([]float64, len(rows))
	for i, r := range rows {
		acc[i] = float64(r.Accuracy)
		f1[i] = r.F1
		precision[i] = r.Precision
		recall[i] = r.Recall
	}
	return Means{
		Accuracy:  stat.Mean(acc, nil),
		F1:        stat.Mean(f1, nil),
		Precision: stat.Mean(precision, nil),
		Recall:    stat.Mean(recall, nil),
	}
}
