package crossval

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/tgnassou/MEEG-Brainstorm/models"
	"github.com/tgnassou/MEEG-Brainstorm/storage"
	"gonum.org/v1/gonum/stat"
)

// Columns is the header of the result table
var Columns = []string{
	"method", "mix_up", "cost_sensitive", "subject_id", "fold",
	"acc", "f1", "precision", "recall", "f1_macro", "precision_macro", "recall_macro",
}

// CSVPath names the snapshot of one experiment inside dir
func CSVPath(dir string, method models.Method, mixUp, costSensitive bool, nSubjects int) string {
	name := fmt.Sprintf("results_LOPO_spike_detection_method-%s_mix-up-%t_cost-sensitive-%t_%d-subjects.csv",
		method, mixUp, costSensitive, nSubjects)
	return filepath.Join(dir, name)
}

// WriteCSV replaces the table at path with rows. The file is written next to
// its destination and renamed over it, so a crash leaves the previous snapshot.
func WriteCSV(path string, rows []storage.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	file, err := os.CreateTemp(filepath.Dir(path), ".results-*.csv")
	if err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	tmp := file.Name()
	defer os.Remove(tmp)

	writer := csv.NewWriter(file)
	if err := writer.Write(Columns); err != nil {
		file.Close()
		return err
	}
	for _, r := range rows {
		if err := writer.Write(formatRow(r)); err != nil {
			file.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func formatRow(r storage.Row) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		r.Method,
		strconv.FormatBool(r.MixUp),
		strconv.FormatBool(r.CostSensitive),
		r.SubjectID,
		strconv.Itoa(r.Fold),
		strconv.Itoa(r.Accuracy),
		f(r.F1), f(r.Precision), f(r.Recall),
		f(r.F1Macro), f(r.PrecisionMacro), f(r.RecallMacro),
	}
}

// ReadCSV loads a table written by WriteCSV
func ReadCSV(path string) ([]storage.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(Columns)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: empty result table", path)
		}
		return nil, err
	}
	for i, c := range Columns {
		if header[i] != c {
			return nil, fmt.Errorf("%s: column %d is %q, want %q", path, i, header[i], c)
		}
	}

	var rows []storage.Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		rows = append(rows, row)
	}
}

func parseRow(record []string) (storage.Row, error) {
	var r storage.Row
	var err error
	r.Method, r.SubjectID = record[0], record[3]
	if r.MixUp, err = strconv.ParseBool(record[1]); err != nil {
		return r, err
	}
	if r.CostSensitive, err = strconv.ParseBool(record[2]); err != nil {
		return r, err
	}
	if r.Fold, err = strconv.Atoi(record[4]); err != nil {
		return r, err
	}
	if r.Accuracy, err = strconv.Atoi(record[5]); err != nil {
		return r, err
	}
	floats := []*float64{&r.F1, &r.Precision, &r.Recall, &r.F1Macro, &r.PrecisionMacro, &r.RecallMacro}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(record[6+i], 64); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Summary aggregates the rows of one (method, mix_up, cost_sensitive) group
type Summary struct {
	Method        string
	MixUp         bool
	CostSensitive bool
	Count         int
	AccuracyMean  float64
	AccuracyStd   float64
	F1Mean        float64
	F1Std         float64
	F1MacroMean   float64
	F1MacroStd    float64
}

// Summarize groups rows by configuration and reports mean and standard
// deviation of the headline metrics. Groups are sorted by their key.
func Summarize(rows []storage.Row) []Summary {
	type key struct {
		method               string
		mixUp, costSensitive bool
	}
	groups := make(map[key][]storage.Row)
	var keys []key
	for _, r := range rows {
		k := key{r.Method, r.MixUp, r.CostSensitive}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.method != b.method {
			return a.method < b.method
		}
		if a.mixUp != b.mixUp {
			return !a.mixUp
		}
		return !a.costSensitive && b.costSensitive
	})

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		acc := make([]float64, len(g))
		f1 := make([]float64, len(g))
		f1Macro := make([]float64, len(g))
		for i, r := range g {
			acc[i], f1[i], f1Macro[i] = float64(r.Accuracy), r.F1, r.F1Macro
		}
		s := Summary{Method: k.method, MixUp: k.mixUp, CostSensitive: k.costSensitive, Count: len(g)}
		s.AccuracyMean, s.AccuracyStd = meanStd(acc)
		s.F1Mean, s.F1Std = meanStd(f1)
		s.F1MacroMean, s.F1MacroStd = meanStd(f1Macro)
		out = append(out, s)
	}
	return out
}

// meanStd returns the mean and the sample standard deviation, 0 for a single value
func meanStd(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}
