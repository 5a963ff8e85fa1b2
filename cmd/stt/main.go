package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tgnassou/MEEG-Brainstorm/checkpoints"
	"github.com/tgnassou/MEEG-Brainstorm/crossval"
	"github.com/tgnassou/MEEG-Brainstorm/dataset"
	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/storage"
	"github.com/tgnassou/MEEG-Brainstorm/training"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "evaluate":
		return runEvaluate(ctx, args[1:])
	case "lopo":
		return runLOPO(ctx, args[1:])
	case "results":
		return runResults(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	opts := addExperimentFlags(fs)
	subject := fs.String("subject", "", "train on a single subject (default: all subjects)")
	save := fs.Bool("save", false, "save weights, optimizer state and hyperparameter records")
	outDir := fs.String("out", "models", "directory for saved artifacts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	set, err := opts.loadSet(ctx, *subject)
	if err != nil {
		return err
	}
	train, val, test, err := dataset.Split(set, dataset.DefaultRatios(), true, opts.seed)
	if err != nil {
		return err
	}
	mcfg, err := opts.modelConfig(set)
	if err != nil {
		return err
	}
	model, err := models.New(mcfg)
	if err != nil {
		return err
	}
	if opts.verbose {
		fmt.Print(model.Summary())
	}

	trainLoader, valLoader, testLoader, err := opts.loaders(mcfg, train, val, test)
	if err != nil {
		return err
	}
	tcfg, err := opts.trainingConfig()
	if err != nil {
		return err
	}
	tcfg.Save = *save
	tcfg.Paths = training.DefaultPaths(*outDir, mcfg.Method.String())
	tcfg.Progress = os.Stdout

	trainer, err := training.NewTrainer(model, opts.optimizerConfig(), trainLoader, valLoader, tcfg)
	if err != nil {
		return err
	}
	history, err := trainer.Train(ctx)
	if err != nil {
		return err
	}
	scores, err := trainer.Score(ctx, testLoader)
	if err != nil {
		return err
	}

	last, _ := history.LastValidation()
	fmt.Printf("epochs=%d stopped_early=%t best_val_acc=%d (epoch %d) best_val_f1=%.4f (epoch %d) last_val_acc=%d last_val_f1=%.4f\n",
		len(history.Train), history.StoppedEarly,
		history.BestAccuracy, history.BestAccuracySnapshot.Epoch+1,
		history.BestF1, history.BestF1Snapshot.Epoch+1,
		last.Accuracy, last.F1)
	fmt.Printf("test acc=%d f1=%.4f precision=%.4f recall=%.4f f1_macro=%.4f precision_macro=%.4f recall_macro=%.4f\n",
		scores.Accuracy, scores.F1, scores.Precision, scores.Recall, scores.F1Macro, scores.PrecisionMacro, scores.RecallMacro)
	if *save {
		fmt.Printf("saved model=%s optimizer=%s\n", tcfg.Paths.Model, tcfg.Paths.Optimizer)
	}
	return nil
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	opts := addExperimentFlags(fs)
	subject := fs.String("subject", "", "evaluate on a single subject (default: all subjects)")
	outDir := fs.String("out", "models", "directory holding saved artifacts")
	prefix := fs.String("prefix", "", "artifact file prefix (default: the method name)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	set, err := opts.loadSet(ctx, *subject)
	if err != nil {
		return err
	}
	// the same seed reproduces the held-out test split of the training run
	_, _, test, err := dataset.Split(set, dataset.DefaultRatios(), true, opts.seed)
	if err != nil {
		return err
	}
	if *prefix == "" {
		*prefix = opts.method
	}
	paths := training.DefaultPaths(*outDir, *prefix)

	var mcfg models.Config
	if err := checkpoints.LoadRecord(paths.ModelConfig, &mcfg); err != nil {
		return fmt.Errorf("failed to load model config: %w", err)
	}
	lcfg := opts.loaderConfig(mcfg)
	lcfg.Shuffle = false
	loader, err := training.NewDataLoader(test, lcfg)
	if err != nil {
		return err
	}
	acc, f1, err := training.Evaluate(ctx, paths, loader)
	if err != nil {
		return err
	}
	fmt.Printf("evaluate acc=%d f1_macro=%.4f trials=%d\n", acc, f1, test.Len())
	return nil
}

func runLOPO(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lopo", flag.ContinueOnError)
	opts := addExperimentFlags(fs)
	seeds := fs.Int("seeds", 5, "training runs per held-out subject")
	valRatio := fs.Float64("val-ratio", 0.2, "fraction of the training subjects' trials used for validation")
	save := fs.Bool("save", false, "write the result table after every fold")
	resultsDir := fs.String("results-dir", filepath.Join("results", "csv"), "directory for result tables")
	storeKind := fs.String("store", "memory", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "results.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	source, err := opts.source()
	if err != nil {
		return err
	}
	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	// every subject, so that labels absent from some subjects still get an output
	all, err := loadSubjects(ctx, source, "")
	if err != nil {
		return err
	}
	mcfg, err := opts.modelConfig(all)
	if err != nil {
		return err
	}
	tcfg, err := opts.trainingConfig()
	if err != nil {
		return err
	}
	cfg := crossval.Config{
		Model:           mcfg,
		Optimizer:       opts.optimizerConfig(),
		Training:        tcfg,
		Loader:          opts.loaderConfig(mcfg),
		ValidationRatio: *valRatio,
		Seeds:           *seeds,
		Save:            *save,
		ResultsDir:      *resultsDir,
		Verbose:         opts.verbose,
	}
	driver, err := crossval.NewDriver(cfg, source, store)
	if err != nil {
		return err
	}
	report, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run_id=%s subjects=%d rows=%d\n", report.RunID, len(report.Subjects), len(report.Rows))
	fmt.Println("Mean accuracy \t Mean F1-score \t Mean precision \t Mean recall")
	fmt.Printf("%0.4f \t %0.4f \t %0.4f \t %0.4f\n", report.Means.Accuracy, report.Means.F1, report.Means.Precision, report.Means.Recall)
	if report.CSVPath != "" {
		fmt.Printf("results=%s\n", report.CSVPath)
	}
	if opts.verbose && opts.cache != nil {
		fmt.Println(opts.cache.Stats())
	}
	return nil
}

func runResults(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("results", flag.ContinueOnError)
	csvPaths := fs.String("csv", "", "glob of result tables to summarize")
	storeKind := fs.String("store", "sqlite", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "results.db", "sqlite database path")
	runID := fs.String("run-id", "", "run to summarize (default: list runs)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var rows []storage.Row
	if *csvPaths != "" {
		matches, err := filepath.Glob(*csvPaths)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("no result table matches %s", *csvPaths)
		}
		for _, m := range matches {
			r, err := crossval.ReadCSV(m)
			if err != nil {
				return err
			}
			rows = append(rows, r...)
		}
	} else {
		store, err := storage.NewStore(*storeKind, *dbPath)
		if err != nil {
			return err
		}
		defer func() {
			_ = storage.CloseIfSupported(store)
		}()
		if err := store.Init(ctx); err != nil {
			return err
		}
		if *runID == "" {
			runs, err := store.Runs(ctx)
			if err != nil {
				return err
			}
			for _, id := range runs {
				fmt.Println(id)
			}
			return nil
		}
		if rows, err = store.Rows(ctx, *runID); err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("run not found: %s", *runID)
		}
	}

	fmt.Println("method\tmix_up\tcost_sensitive\tn\tacc\tacc_std\tf1\tf1_std\tf1_macro\tf1_macro_std")
	for _, s := range crossval.Summarize(rows) {
		fmt.Printf("%s\t%t\t%t\t%d\t%.2f\t%.2f\t%.4f\t%.4f\t%.4f\t%.4f\n",
			s.Method, s.MixUp, s.CostSensitive, s.Count,
			s.AccuracyMean, s.AccuracyStd, s.F1Mean, s.F1Std, s.F1MacroMean, s.F1MacroStd)
	}
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: stt <train|evaluate|lopo|results> [flags]", msg)
}
