package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
)

const summaryFile = "summary.json"

// Writer stores per-generation particle and predictive-prior files plus a
// running summary.json in Dir.
type Writer struct {
	Dir                  string
	WriteParticles       bool
	WritePredictivePrior bool

	mu sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, WriteParticles: true, WritePredictivePrior: true}
}

func (w *Writer) ReportGeneration(_ context.Context, defs model.Definitions, set model.Set, k kernel.Kernel) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Dir == "" {
		return fmt.Errorf("report directory is required")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	if w.WriteParticles {
		if err := WriteParticleFile(filepath.Join(w.Dir, fmt.Sprintf("particles_%d.csv", set.Generation)), defs, set); err != nil {
			return err
		}
	}
	if w.WritePredictivePrior {
		if err := WritePredictivePriorFile(filepath.Join(w.Dir, fmt.Sprintf("predictive_prior_%d.csv", set.Generation)), defs, set); err != nil {
			return err
		}
	}

	summary, err := Summarize(defs, set, kindOf(k))
	if err != nil {
		return err
	}
	return UpsertSummary(w.Dir, summary)
}

// UpsertSummary replaces the entry for summary.Generation in dir/summary.json,
// keeping entries ordered by generation.
func UpsertSummary(dir string, summary GenerationSummary) error {
	summaries, _, err := ReadSummaries(dir)
	if err != nil {
		return err
	}
	replaced := false
	for i := range summaries {
		if summaries[i].Generation == summary.Generation {
			summaries[i] = summary
			replaced = true
		}
	}
	if !replaced {
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Generation < summaries[j].Generation })
	return writeJSON(filepath.Join(dir, summaryFile), summaries)
}

func ReadSummaries(dir string) ([]GenerationSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []GenerationSummary{}, false, nil
		}
		return nil, false, err
	}
	var summaries []GenerationSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, false, err
	}
	return summaries, true, nil
}

// WriteParticleFile writes every particle of set: serial, raw parameters,
// metrics and distance.
func WriteParticleFile(path string, defs model.Definitions, set model.Set) error {
	header := []string{"serial"}
	for _, p := range defs.Parameters {
		header = append(header, p.Label())
	}
	for _, m := range defs.Metrics {
		header = append(header, m.Label())
	}
	header = append(header, "distance")

	rows := make([][]string, 0, len(set.Particles))
	for i, p := range set.Particles {
		row := []string{strconv.Itoa(p.Serial)}
		row = appendFloats(row, p.Raw)
		row = appendFloats(row, p.Metrics)
		row = append(row, formatFloat(set.Distances[i]))
		rows = append(rows, row)
	}
	return writeCSV(path, header, rows)
}

// WritePredictivePriorFile writes the retained particles in rank order with
// their weights, using simulator-space parameter values.
func WritePredictivePriorFile(path string, defs model.Definitions, set model.Set) error {
	header := []string{"rank", "serial", "weight"}
	for _, p := range defs.Parameters {
		header = append(header, p.Label())
	}
	for _, m := range defs.Metrics {
		header = append(header, m.Label())
	}

	rows := make([][]string, 0, len(set.PredictivePrior))
	for rank, p := range set.PriorParticles() {
		row := []string{strconv.Itoa(rank), strconv.Itoa(p.Serial), formatFloat(set.Weights[rank])}
		row = appendFloats(row, p.Sim)
		row = appendFloats(row, p.Metrics)
		rows = append(rows, row)
	}
	return writeCSV(path, header, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeCSV(file, header, rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// encodeCSV writes the table and closes w. A failed close is reported since
// buffered data may not have reached disk.
func encodeCSV(w io.WriteCloser, header []string, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		_ = w.Close()
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func appendFloats(row []string, values []float64) []string {
	for _, v := range values {
		row = append(row, formatFloat(v))
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
