// Package storage persists cross-validation result rows. Every row belongs to a
// run, identified by the id the driver assigns when it starts.
package storage

import (
	"context"
	"fmt"
)

// Row is one evaluation of a trained model on a held-out subject
type Row struct {
	RunID          string  `json:"run_id"`
	Method         string  `json:"method"`
	MixUp          bool    `json:"mix_up"`
	CostSensitive  bool    `json:"cost_sensitive"`
	SubjectID      string  `json:"subject_id"`
	Fold           int     `json:"fold"`
	Accuracy       int     `json:"acc"`
	F1             float64 `json:"f1"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1Macro        float64 `json:"f1_macro"`
	PrecisionMacro float64 `json:"precision_macro"`
	RecallMacro    float64 `json:"recall_macro"`
}

// Key identifies a row within its run
func (r Row) Key() string {
	return fmt.Sprintf("%s/%d", r.SubjectID, r.Fold)
}

// Store defines persistence operations for result rows. Saving a row whose
// (subject, fold) already exists in the run replaces it.
type Store interface {
	Init(ctx context.Context) error
	SaveRow(ctx context.Context, row Row) error
	Rows(ctx context.Context, runID string) ([]Row, error)
	Runs(ctx context.Context) ([]string, error)
}
