package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// StageStatus is the terminal status of one stage slot within a run.
type StageStatus string

const (
	StatusRan           StageStatus = "ran"
	StatusSkipped       StageStatus = "skipped"
	StatusFailed        StageStatus = "failed"
	StatusTimedOut      StageStatus = "timed out"
	StatusNotConfigured StageStatus = "not configured"
	StatusDisabled      StageStatus = "disabled"
)

// StageResult is one row of a run summary.
type StageResult struct {
	Name           string      `json:"name"`
	Status         StageStatus `json:"status"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	Note           string      `json:"note,omitempty"`
	LogFile        string      `json:"log_file,omitempty"`
}

// RunRecord is the operator-facing summary of one CLI invocation, written once
// as summary.json in the run directory and never read back by the system.
type RunRecord struct {
	Command        string        `json:"command"`
	RunID          string        `json:"run_id"`
	ModelProfile   string        `json:"model_profile"`
	StartedAt      string        `json:"started_at"`
	FinishedAt     string        `json:"finished_at"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Stages         []StageResult `json:"stages,omitempty"`
	LogDir         string        `json:"log_dir"`
}

// NewRunRecord starts a fresh record for a command invocation.
func NewRunRecord(command, profile, logDir string) *RunRecord {
	return &RunRecord{
		Command:      command,
		RunID:        uuid.NewString(),
		ModelProfile: profile,
		StartedAt:    time.Now().UTC().Format(time.RFC3339),
		LogDir:       logDir,
	}
}

// AddStage appends one stage row and accumulates its elapsed time.
func (r *RunRecord) AddStage(res StageResult) {
	r.Stages = append(r.Stages, res)
	r.ElapsedSeconds += res.ElapsedSeconds
}

// Write finalizes the record and persists it as summary.json under the run
// directory.
func (r *RunRecord) Write() error {
	r.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}
	path := filepath.Join(r.LogDir, "summary.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing run summary %s: %w", path, err)
	}
	return nil
}

// NewRunDir creates a timestamped directory for one invocation's logs and
// summary under the configured run-logs root.
func NewRunDir(baseDir, label string) (string, error) {
	slug := time.Now().UTC().Format("20060102T150405Z")
	runDir := filepath.Join(baseDir, label+"_"+slug)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("creating run dir %s: %w", runDir, err)
	}
	return runDir, nil
}

// WriteSummaryTable renders stage rows as an aligned operator-facing table.
func WriteSummaryTable(w io.Writer, rows []StageResult) {
	if len(rows) == 0 {
		return
	}

	nameWidth, statusWidth := len("Stage"), len("Status")
	for _, row := range rows {
		if len(row.Name) > nameWidth {
			nameWidth = len(row.Name)
		}
		if len(row.Status) > statusWidth {
			statusWidth = len(string(row.Status))
		}
	}

	header := fmt.Sprintf("%-*s  %-*s  %-8s  Note", nameWidth, "Stage", statusWidth, "Status", "Time (s)")
	fmt.Fprintln(w, header)
	for i := 0; i < len(header); i++ {
		fmt.Fprint(w, "-")
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		timeStr := "-"
		if row.Status == StatusRan {
			timeStr = fmt.Sprintf("%.1f", row.ElapsedSeconds)
		}
		note := row.Note
		if note == "" {
			note = row.LogFile
		}
		fmt.Fprintf(w, "%-*s  %-*s  %-8s  %s\n", nameWidth, row.Name, statusWidth, row.Status, timeStr, note)
	}
}
