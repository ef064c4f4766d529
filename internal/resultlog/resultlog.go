// Package resultlog appends the three CSV result streams the controller
// maintains for offline analysis: per-job latency, the total backlog
// snapshot, and the path chosen for each scheduled job. None of these
// files are read back by the mesh itself — they are write-only
// operational history, so a write failure is logged, not propagated as a
// scheduling error.
package resultlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

// Writer appends to the three CSV streams under root/{latency,backlog,path}.
type Writer struct {
	root string
}

// New returns a Writer rooted at dir (e.g.
// results/{experiment_name}_{MM-DD_HHMMSS}), creating its subdirectories.
func New(dir string) (*Writer, error) {
	for _, sub := range []string{"latency", "backlog", "path"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("resultlog: create %s dir: %w", sub, err)
		}
	}
	return &Writer{root: dir}, nil
}

func appendRow(filePath string, header, row []string) error {
	_, statErr := os.Stat(filePath)
	fileExists := statErr == nil

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if !fileExists {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	return w.Write(row)
}

// Latency appends one latency sample, in milliseconds, to
// latency/{jobName}.csv.
func (w *Writer) Latency(jobName string, latencyMS float64) error {
	path := filepath.Join(w.root, "latency", jobName+".csv")
	row := []string{strconv.FormatFloat(roundTo(latencyMS, 2), 'f', 2, 64)}
	return appendRow(path, []string{"latency (ms)"}, row)
}

// Backlog appends one snapshot row to backlog/total_backlog.csv: the
// aggregate computing/transfer backlog plus every per-edge figure, sorted
// by edge label for stable column ordering across appends.
func (w *Writer) Backlog(backlog map[graph.LinkKey]float64) error {
	type labeled struct {
		label string
		value float64
	}
	entries := make([]labeled, 0, len(backlog))
	var sumGFLOPs, sumKB float64
	var computingCount, transmissionCount int
	for key, value := range backlog {
		if key.IsComputing() {
			entries = append(entries, labeled{label: fmt.Sprintf("(computing) %s", key.SourceIP), value: value})
			sumGFLOPs += value
			computingCount++
		} else {
			entries = append(entries, labeled{label: fmt.Sprintf("(transmission) %s", key.String()), value: value})
			sumKB += value
			transmissionCount++
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].label < entries[j].label })

	var avgGFLOPs, avgKB float64
	if computingCount > 0 {
		avgGFLOPs = sumGFLOPs / float64(computingCount)
	}
	if transmissionCount > 0 {
		avgKB = sumKB / float64(transmissionCount)
	}

	header := []string{"sum_GFLOPs", "avg_GFLOPs", "sum_KB", "avg_KB"}
	row := []string{
		strconv.FormatFloat(sumGFLOPs, 'f', -1, 64),
		strconv.FormatFloat(avgGFLOPs, 'f', -1, 64),
		strconv.FormatFloat(sumKB, 'f', -1, 64),
		strconv.FormatFloat(avgKB, 'f', -1, 64),
	}
	for _, e := range entries {
		header = append(header, e.label)
		row = append(row, strconv.FormatFloat(e.value, 'f', -1, 64))
	}

	path := filepath.Join(w.root, "backlog", "total_backlog.csv")
	return appendRow(path, header, row)
}

// Path appends one row to path/path.csv describing the chain a scheduled
// job took, one column per hop.
func (w *Writer) Path(steps []graph.PathStep) error {
	row := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.Source.IsSameNode(step.Destination) {
			row = append(row, fmt.Sprintf("(computing) %s: %s", step.Source.String(), step.ModelName))
		} else {
			row = append(row, fmt.Sprintf("(transmission) %s->%s", step.Source.String(), step.Destination.String()))
		}
	}
	path := filepath.Join(w.root, "path", "path.csv")
	return appendRow(path, []string{"path"}, row)
}

func roundTo(v float64, decimals int) float64 {
	pow := 1.0
	for i := 0; i < decimals; i++ {
		pow *= 10
	}
	return float64(int64(v*pow+sign(v)*0.5)) / pow
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
