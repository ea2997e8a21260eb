// Package report renders de-identification run summaries.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/raaihank/phi-sentinel/internal/deid"
)

// Status of a finished run
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Run describes one finished orchestration run
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status
	Stats      deid.Statistics
	Tables     []*deid.TableResult
	Joins      map[string]int
	Errors     []string
}

// NewRun builds a run from the orchestrator state. Status is derived from
// the collected errors and whether any table was processed.
func NewRun(d *deid.Deidentifier, tables []*deid.TableResult, errs []error) *Run {
	run := &Run{
		ID:         d.RunID(),
		StartedAt:  d.StartedAt(),
		FinishedAt: time.Now().UTC(),
		Status:     StatusCompleted,
		Stats:      d.Statistics(),
		Tables:     tables,
		Joins:      d.JoinMappingSizes(),
	}
	for _, err := range errs {
		if err != nil {
			run.Errors = append(run.Errors, err.Error())
		}
	}
	switch {
	case len(run.Errors) > 0 && run.Stats.TablesProcessed == 0:
		run.Status = StatusFailed
	case len(run.Errors) > 0:
		run.Status = StatusPartial
	}
	return run
}

// WriteCSV writes the summary section followed by one row per modified field
// and one row per processed table
func WriteCSV(out io.Writer, run *Run) error {
	w := csv.NewWriter(out)

	summary := [][]string{
		{"Run Summary"},
		{"Metric", "Value"},
		{"run_id", run.ID},
		{"started_at", run.StartedAt.UTC().Format(time.RFC3339)},
		{"finished_at", run.FinishedAt.UTC().Format(time.RFC3339)},
		{"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()},
		{"status", string(run.Status)},
		{"tables_processed", strconv.FormatInt(run.Stats.TablesProcessed, 10)},
		{"total_records", strconv.FormatInt(run.Stats.TotalRecords, 10)},
		{"modified_records", strconv.FormatInt(run.Stats.ModifiedRecords, 10)},
		{"errors", strconv.Itoa(len(run.Errors))},
	}
	if err := w.WriteAll(summary); err != nil {
		return err
	}

	if err := w.Write([]string{""}); err != nil {
		return err
	}
	if err := w.Write([]string{"Field", "Values Modified"}); err != nil {
		return err
	}
	fields := make([]string, 0, len(run.Stats.FieldsModified))
	for f := range run.Stats.FieldsModified {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		if err := w.Write([]string{f, strconv.FormatInt(run.Stats.FieldsModified[f], 10)}); err != nil {
			return err
		}
	}

	if len(run.Tables) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return err
		}
		if err := w.Write([]string{"Table", "Rows", "Modified", "Written To", "Duration"}); err != nil {
			return err
		}
		for _, t := range run.Tables {
			if t == nil {
				continue
			}
			row := []string{
				t.Table,
				strconv.Itoa(t.Rows),
				strconv.FormatBool(t.Modified),
				t.Written,
				t.Duration.Round(time.Millisecond).String(),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}

	if len(run.Joins) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return err
		}
		if err := w.Write([]string{"Join Mapping", "Entries"}); err != nil {
			return err
		}
		keys := make([]string, 0, len(run.Joins))
		for k := range run.Joins {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := w.Write([]string{k, strconv.Itoa(run.Joins[k])}); err != nil {
				return err
			}
		}
	}

	if len(run.Errors) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return err
		}
		if err := w.Write([]string{"Error"}); err != nil {
			return err
		}
		for _, e := range run.Errors {
			if err := w.Write([]string{e}); err != nil {
				return err
			}
		}
	}

	w.Flush()
	return w.Error()
}

// WriteFile writes the CSV report to path
func WriteFile(path string, run *Run) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, run); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// DefaultFilename names a report file after its run
func DefaultFilename(run *Run) string {
	return fmt.Sprintf("deidentification_report_%s_%s.csv", run.StartedAt.UTC().Format("20060102_150405"), shortID(run.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
