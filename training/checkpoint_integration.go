package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tgnassou/MEEG-Brainstorm/checkpoints"
	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
)

// Paths locates the four artifacts a finished run persists
type Paths struct {
	Model           string // weight blob
	Optimizer       string // optimizer state blob
	ModelConfig     string // model hyperparameter record
	OptimizerConfig string // optimizer hyperparameter record
}

// DefaultPaths places the artifacts in dir, every file name starting with prefix
func DefaultPaths(dir, prefix string) Paths {
	return Paths{
		Model:           filepath.Join(dir, prefix+"_model.bin"),
		Optimizer:       filepath.Join(dir, prefix+"_optimizer.bin"),
		ModelConfig:     filepath.Join(dir, prefix+"_model_config.json"),
		OptimizerConfig: filepath.Join(dir, prefix+"_optimizer_config.json"),
	}
}

// Save writes the weights, optimizer state and both hyperparameter records.
// Any failure is returned; nothing is skipped silently.
func Save(paths Paths, model *models.Network, opt optimizer.Optimizer, optConfig optimizer.Config) error {
	for _, p := range []string{paths.Model, paths.Optimizer, paths.ModelConfig, paths.OptimizerConfig} {
		if p == "" {
			return fmt.Errorf("incomplete checkpoint paths %+v", paths)
		}
		if err := ensureDirectory(filepath.Dir(p)); err != nil {
			return err
		}
	}
	if err := checkpoints.SaveWeights(paths.Model, model.State()); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	if err := checkpoints.SaveOptimizer(paths.Optimizer, opt); err != nil {
		return fmt.Errorf("failed to save optimizer: %w", err)
	}
	if err := checkpoints.SaveRecord(paths.ModelConfig, model.Config()); err != nil {
		return fmt.Errorf("failed to save model config: %w", err)
	}
	if err := checkpoints.SaveRecord(paths.OptimizerConfig, optConfig); err != nil {
		return fmt.Errorf("failed to save optimizer config: %w", err)
	}
	return nil
}

// Restore rebuilds the model and optimizer from the artifacts written by Save
func Restore(paths Paths) (*models.Network, optimizer.Optimizer, error) {
	var mcfg models.Config
	if err := checkpoints.LoadRecord(paths.ModelConfig, &mcfg); err != nil {
		return nil, nil, fmt.Errorf("failed to load model config: %w", err)
	}
	var ocfg optimizer.Config
	if err := checkpoints.LoadRecord(paths.OptimizerConfig, &ocfg); err != nil {
		return nil, nil, fmt.Errorf("failed to load optimizer config: %w", err)
	}
	model, err := models.New(mcfg)
	if err != nil {
		return nil, nil, err
	}
	if err := checkpoints.LoadWeights(paths.Model, model.State()); err != nil {
		return nil, nil, fmt.Errorf("failed to load model: %w", err)
	}
	opt, err := optimizer.New(ocfg, model.Parameters())
	if err != nil {
		return nil, nil, err
	}
	if err := checkpoints.LoadOptimizer(paths.Optimizer, opt); err != nil {
		return nil, nil, fmt.Errorf("failed to load optimizer: %w", err)
	}
	return model, opt, nil
}

// Evaluate restores a saved run and scores loader with a single no-gradient
// pass. It returns the accuracy and the macro F1.
func Evaluate(ctx context.Context, paths Paths, loader *DataLoader) (int, float64, error) {
	model, _, err := Restore(paths)
	if err != nil {
		return 0, 0, err
	}
	mcfg := model.Config()
	if mcfg.Method.Detection() && loader.Config().NWindows != mcfg.NWindows {
		return 0, 0, fmt.Errorf("loader produces %d windows, model expects %d", loader.Config().NWindows, mcfg.NWindows)
	}
	model.Eval()
	stats, err := evaluatePass(ctx, model, loader, nil, numClasses(mcfg))
	if err != nil {
		return 0, 0, err
	}
	acc, err := stats.matrix.Accuracy()
	if err != nil {
		return 0, 0, err
	}
	return acc, stats.matrix.GetMetric(MacroF1), nil
}

// ensureDirectory creates the checkpoint directory if it doesn't exist
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return nil
}
