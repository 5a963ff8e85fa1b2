package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/tgnassou/MEEG-Brainstorm/dataset"
	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"github.com/tgnassou/MEEG-Brainstorm/training"
)

// experimentFlags are shared by every command that builds data, a model or a trainer
type experimentFlags struct {
	fs *flag.FlagSet

	dataDir   string
	synthetic bool
	subjects  int
	binary    bool
	cacheSize datasize.ByteSize
	cache     *dataset.CachedSource

	method     string
	configPath string
	nWindows   int

	batchSize int
	workers   int
	balanced  bool

	epochs        int
	patience      int
	costSensitive bool
	lambda        float64
	mixUp         bool
	beta          float64
	average       string
	scheduler     string
	lrStep        int
	lrGamma       float64

	optimizerType string
	lr            float64
	weightDecay   float64

	seed    int64
	verbose bool
}

func addExperimentFlags(fs *flag.FlagSet) *experimentFlags {
	o := &experimentFlags{fs: fs}
	fs.StringVar(&o.dataDir, "data", "", "directory of per-subject JSON recordings")
	fs.BoolVar(&o.synthetic, "synthetic", false, "use generated recordings instead of -data")
	fs.IntVar(&o.subjects, "subjects", 3, "number of generated subjects with -synthetic")
	fs.BoolVar(&o.binary, "binary", true, "collapse spike counts into spike / no spike")
	o.cacheSize = 512 * datasize.MB
	fs.TextVar(&o.cacheSize, "cache", o.cacheSize, "memory budget for parsed -data subjects")

	fs.StringVar(&o.method, "method", models.TransformerDetection.String(), "RNN_self_attention|transformer_classification|transformer_detection")
	fs.StringVar(&o.configPath, "config", "", "JSON model hyperparameter file")
	fs.IntVar(&o.nWindows, "n-windows", 0, "detection windows per trial (default from config)")

	fs.IntVar(&o.batchSize, "batch-size", 16, "trials per batch")
	fs.IntVar(&o.workers, "workers", 0, "batch assembly goroutines")
	fs.BoolVar(&o.balanced, "balanced", false, "class-balanced sampling for the training set")

	fs.IntVar(&o.epochs, "epochs", 100, "maximum training epochs")
	fs.IntVar(&o.patience, "patience", 10, "early stopping patience, 0 disables")
	fs.BoolVar(&o.costSensitive, "cost-sensitive", false, "add the cost-sensitive penalty to the loss")
	fs.Float64Var(&o.lambda, "lambda", 1e-4, "cost-sensitive penalty weight")
	fs.BoolVar(&o.mixUp, "mix-up", false, "train on mixed trials")
	fs.Float64Var(&o.beta, "beta", 0.4, "mix-up Beta(beta, beta) parameter")
	fs.StringVar(&o.scheduler, "scheduler", "none", "none|step|exponential|cosine|plateau")
	fs.IntVar(&o.lrStep, "lr-step", 0, "step scheduler period, plateau patience")
	fs.Float64Var(&o.lrGamma, "lr-gamma", 0, "scheduler decay factor")
	fs.StringVar(&o.average, "average", training.AverageBinary.String(), "binary|macro|weighted")

	fs.StringVar(&o.optimizerType, "optimizer", "adam", "adam|sgd|rmsprop")
	fs.Float64Var(&o.lr, "lr", 1e-3, "learning rate")
	fs.Float64Var(&o.weightDecay, "weight-decay", 0, "weight decay")

	fs.Int64Var(&o.seed, "seed", 0, "seed for splits, weights and sampling")
	fs.BoolVar(&o.verbose, "verbose", false, "print per-epoch summaries")
	return o
}

// set reports whether name was passed on the command line
func (o *experimentFlags) set(name string) bool {
	found := false
	o.fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func (o *experimentFlags) source() (dataset.Source, error) {
	switch {
	case o.synthetic && o.dataDir != "":
		return nil, errors.New("-data and -synthetic are mutually exclusive")
	case o.synthetic:
		cfg := dataset.DefaultSyntheticConfig()
		cfg.Subjects = o.subjects
		cfg.Seed = o.seed
		return dataset.NewSyntheticSource(cfg)
	case o.dataDir != "":
		dir, err := dataset.NewDirSource(o.dataDir, o.binary)
		if err != nil {
			return nil, err
		}
		o.cache = dataset.NewCachedSource(dir, o.cacheSize)
		return o.cache, nil
	default:
		return nil, errors.New("one of -data or -synthetic is required")
	}
}

func (o *experimentFlags) loadSet(ctx context.Context, subject string) (*dataset.Set, error) {
	source, err := o.source()
	if err != nil {
		return nil, err
	}
	return loadSubjects(ctx, source, subject)
}

// loadSubjects returns one subject, or every subject concatenated when subject is empty
func loadSubjects(ctx context.Context, source dataset.Source, subject string) (*dataset.Set, error) {
	if subject != "" {
		return source.Load(ctx, subject)
	}
	sets, err := dataset.LoadAll(ctx, source)
	if err != nil {
		return nil, err
	}
	return dataset.Concat(sets...)
}

// modelConfig layers the defaults, the optional JSON file and explicit flags,
// then takes the trial shape from the data. Classifiers get at least one output
// per label present in set.
func (o *experimentFlags) modelConfig(set *dataset.Set) (models.Config, error) {
	method, err := models.ParseMethod(o.method)
	if err != nil {
		return models.Config{}, err
	}
	cfg := models.DefaultConfig(method, set.Channels, set.TimePoints)
	if o.configPath != "" {
		if cfg, err = models.LoadConfig(o.configPath, cfg); err != nil {
			return models.Config{}, err
		}
		if o.set("method") {
			cfg.Method = method
		}
		o.method = cfg.Method.String()
	}
	cfg.NChannels, cfg.NTimePoints = set.Channels, set.TimePoints
	if n := len(set.ClassCounts()); !cfg.Method.Detection() && n > cfg.NClasses {
		cfg.NClasses = n
	}
	if o.nWindows > 0 {
		cfg.NWindows = o.nWindows
	}
	cfg.Seed = o.seed
	return cfg, nil
}

func (o *experimentFlags) loaderConfig(mcfg models.Config) training.LoaderConfig {
	cfg := training.DefaultLoaderConfig()
	cfg.BatchSize = o.batchSize
	cfg.Workers = o.workers
	cfg.Seed = o.seed
	if mcfg.Method.Detection() {
		cfg.NWindows = mcfg.NWindows
	}
	return cfg
}

// loaders shuffles the training set only; validation and test are read in order
func (o *experimentFlags) loaders(mcfg models.Config, train, val, test *dataset.Set) (*training.DataLoader, *training.DataLoader, *training.DataLoader, error) {
	cfg := o.loaderConfig(mcfg)
	trainCfg := cfg
	trainCfg.Balanced = o.balanced
	trainLoader, err := training.NewDataLoader(train, trainCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("training loader: %w", err)
	}
	cfg.Shuffle = false
	valLoader, err := training.NewDataLoader(val, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("validation loader: %w", err)
	}
	testLoader, err := training.NewDataLoader(test, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("test loader: %w", err)
	}
	return trainLoader, valLoader, testLoader, nil
}

func (o *experimentFlags) trainingConfig() (training.Config, error) {
	average, err := training.ParseAverage(o.average)
	if err != nil {
		return training.Config{}, err
	}
	cfg := training.DefaultConfig()
	cfg.Epochs = o.epochs
	cfg.Patience = o.patience
	cfg.CostSensitive = o.costSensitive
	cfg.Lambda = float32(o.lambda)
	cfg.MixUp = o.mixUp
	cfg.Beta = o.beta
	cfg.Average = average
	cfg.Scheduler = training.SchedulerConfig{
		Type:     o.scheduler,
		StepSize: o.lrStep,
		Gamma:    o.lrGamma,
		TMax:     o.epochs,
		Patience: o.lrStep,
	}
	cfg.Seed = o.seed
	cfg.Verbose = o.verbose
	if _, err := training.NewScheduler(cfg.Scheduler); err != nil {
		return training.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (o *experimentFlags) optimizerConfig() optimizer.Config {
	cfg := optimizer.DefaultConfig()
	cfg.Type = o.optimizerType
	cfg.LR = o.lr
	cfg.WeightDecay = o.weightDecay
	return cfg
}
