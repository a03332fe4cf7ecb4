package pipeline

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"mongars-factory/internal/config"
)

// Preflight validates configuration, scripts and logging directories without
// running any stage, and writes a per-slot readiness table.
func (o *Orchestrator) Preflight(w io.Writer) {
	cfg := o.Config
	fmt.Fprintf(w, "Project root:  %s\n", cfg.ProjectRoot)
	fmt.Fprintf(w, "Python binary: %s\n", cfg.PythonBin)
	fmt.Fprintf(w, "Model profile: %s\n", cfg.ModelProfile)
	fmt.Fprintf(w, "Run logs dir:  %s\n\n", cfg.RunLogsDir)

	var rows []StageResult

	stageStatus := func(name string, stage *config.Stage) {
		switch {
		case stage == nil:
			rows = append(rows, StageResult{Name: name, Status: StatusNotConfigured})
		case !stage.Enabled:
			rows = append(rows, StageResult{Name: name, Status: StatusDisabled, Note: "config"})
		default:
			if _, err := os.Stat(stage.Script); err != nil {
				rows = append(rows, StageResult{Name: name, Status: "missing script", Note: stage.Script})
			} else {
				rows = append(rows, StageResult{Name: name, Status: "ready", Note: "script: " + stage.Script})
			}
		}
	}

	stageStatus("datasets", cfg.Datasets)
	stageStatus("embeddings", cfg.Embeddings)
	stageStatus("export", cfg.Export)
	stageStatus("mlc_export", cfg.MLCExport)

	switch {
	case cfg.UnslothSFT == nil:
		rows = append(rows, StageResult{Name: "unsloth", Status: StatusNotConfigured})
	case !cfg.UnslothSFT.Enabled:
		rows = append(rows, StageResult{Name: "unsloth", Status: StatusDisabled, Note: "config"})
	default:
		if _, err := os.Stat(cfg.UnslothSFT.Script); err != nil {
			rows = append(rows, StageResult{Name: "unsloth", Status: "missing script", Note: cfg.UnslothSFT.Script})
		} else {
			rows = append(rows, StageResult{Name: "unsloth", Status: "ready", Note: cfg.UnslothSFT.Script})
		}
		for _, name := range cfg.UnslothSFT.TaskOrder {
			task := cfg.UnslothSFT.Tasks[name]
			note := ""
			if len(task.Env) > 0 {
				keys := make([]string, 0, len(task.Env))
				for k := range task.Env {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				note = "task env keys: " + strings.Join(keys, ", ")
			}
			rows = append(rows, StageResult{Name: "unsloth:" + name, Status: "ready", Note: note})
		}
	}

	WriteSummaryTable(w, rows)
}
