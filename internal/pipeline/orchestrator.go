package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mongars-factory/internal/config"
)

var (
	// ErrRequiredStageMissing reports the mlc_export policy violation: the
	// stage is required for web deployment builds, so its absence or
	// disablement fails the overall run even though completed stages are
	// reported, not rolled back.
	ErrRequiredStageMissing = errors.New("mlc_export stage is required, configure it and keep it enabled")

	ErrStageNotConfigured = errors.New("stage not defined in config")
	ErrScriptNotFound     = errors.New("stage script not found")
)

// Orchestrator sequences stage execution over the fixed pipeline topology
//
//	datasets -> embeddings -> unsloth_sft(all tasks) -> export -> mlc_export
//
// Stages run strictly one at a time; downstream training and export programs
// are assumed to monopolize the host accelerator.
type Orchestrator struct {
	Config *config.PipelineConfig
	Runner *Runner
}

func New(cfg *config.PipelineConfig, runner *Runner) *Orchestrator {
	return &Orchestrator{Config: cfg, Runner: runner}
}

func (o *Orchestrator) runStage(ctx context.Context, name string, stage *config.Stage, runDir string) (time.Duration, error) {
	if _, err := os.Stat(stage.Script); err != nil {
		slog.Error("stage script not found", "stage", name, "script", stage.Script)
		return 0, fmt.Errorf("%w: %s", ErrScriptNotFound, stage.Script)
	}

	slog.Info("running stage", "stage", name)

	command := append([]string{o.Config.PythonBin, stage.Script}, BuildArgs(stage.Args, stage.ArgOrder)...)
	env := MergeEnv(os.Environ(), o.Config.ModelProfile, o.Config.GlobalEnv, stage.Env)

	return o.Runner.Run(ctx, RunSpec{
		Command: command,
		Env:     env,
		Dir:     o.Config.ProjectRoot,
		Timeout: stage.Timeout,
		LogFile: filepath.Join(runDir, name+".log"),
	})
}

func (o *Orchestrator) runSFTTask(ctx context.Context, group *config.SFTGroup, task config.SFTTask, runDir string) (time.Duration, error) {
	if _, err := os.Stat(group.Script); err != nil {
		slog.Error("unsloth script not found", "script", group.Script)
		return 0, fmt.Errorf("%w: %s", ErrScriptNotFound, group.Script)
	}

	slog.Info("running unsloth task", "task", task.Name)

	args := make(map[string]string, len(task.Args)+1)
	for k, v := range task.Args {
		args[k] = v
	}
	order := task.ArgOrder
	if _, ok := args["task"]; !ok {
		args["task"] = task.Name
		order = append(order[:len(order):len(order)], "task")
	}

	command := append([]string{o.Config.PythonBin, group.Script}, BuildArgs(args, order)...)
	env := MergeEnv(os.Environ(), o.Config.ModelProfile, o.Config.GlobalEnv, group.Env, task.Env)

	return o.Runner.Run(ctx, RunSpec{
		Command: command,
		Env:     env,
		Dir:     o.Config.ProjectRoot,
		LogFile: filepath.Join(runDir, "unsloth_"+task.Name+".log"),
	})
}

func statusForErr(err error) StageStatus {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return StatusTimedOut
	}
	return StatusFailed
}

// RunAll executes the full pipeline, honoring each stage's enabled flag. A
// stage failure or timeout aborts the remaining stages; the run summary still
// reflects everything that completed. The returned record is written to the
// run directory regardless of outcome.
func (o *Orchestrator) RunAll(ctx context.Context) (*RunRecord, error) {
	runDir, err := NewRunDir(o.Config.RunLogsDir, "run_all")
	if err != nil {
		return nil, err
	}
	record := NewRunRecord("run-all", o.Config.ModelProfile, runDir)

	type slot struct {
		name     string
		stage    *config.Stage
		required bool
	}
	head := []slot{
		{name: "datasets", stage: o.Config.Datasets},
		{name: "embeddings", stage: o.Config.Embeddings},
	}
	tail := []slot{
		{name: "export", stage: o.Config.Export},
		{name: "mlc_export", stage: o.Config.MLCExport, required: true},
	}

	requiredViolation := false

	runSlot := func(s slot) error {
		if s.stage == nil || !s.stage.Enabled {
			status := StatusNotConfigured
			if s.stage != nil {
				status = StatusDisabled
			}
			if s.required {
				slog.Error("required stage skipped", "stage", s.name, "reason", status)
				requiredViolation = true
			} else {
				slog.Warn("skipping stage", "stage", s.name, "reason", status)
			}
			record.AddStage(StageResult{Name: s.name, Status: status})
			return nil
		}
		elapsed, err := o.runStage(ctx, s.name, s.stage, runDir)
		logFile := filepath.Join(runDir, s.name+".log")
		if err != nil {
			record.AddStage(StageResult{Name: s.name, Status: statusForErr(err), ElapsedSeconds: elapsed.Seconds(), LogFile: logFile, Note: err.Error()})
			return err
		}
		record.AddStage(StageResult{Name: s.name, Status: StatusRan, ElapsedSeconds: elapsed.Seconds(), LogFile: logFile})
		return nil
	}

	finish := func(runErr error) (*RunRecord, error) {
		WriteSummaryTable(o.Runner.stdout(), record.Stages)
		if err := record.Write(); err != nil {
			slog.Error("failed to write run summary", "error", err)
		}
		if runErr != nil {
			return record, runErr
		}
		if requiredViolation {
			return record, ErrRequiredStageMissing
		}
		slog.Info("pipeline completed", "elapsed_seconds", fmt.Sprintf("%.1f", record.ElapsedSeconds))
		return record, nil
	}

	for _, s := range head {
		if err := runSlot(s); err != nil {
			return finish(err)
		}
	}
	if err := o.runSFTSlot(ctx, record, runDir); err != nil {
		return finish(err)
	}
	for _, s := range tail {
		if err := runSlot(s); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

// runSFTSlot fans out over every task in the unsloth_sft group sequentially.
// A task failure stops the run: task order is a training curriculum, so later
// tasks assume earlier ones completed.
func (o *Orchestrator) runSFTSlot(ctx context.Context, record *RunRecord, runDir string) error {
	group := o.Config.UnslothSFT
	if group == nil || !group.Enabled {
		status := StatusNotConfigured
		if group != nil {
			status = StatusDisabled
		}
		slog.Warn("skipping unsloth_sft stage", "reason", status)
		record.AddStage(StageResult{Name: "unsloth", Status: status})
		return nil
	}
	if len(group.Tasks) == 0 {
		slog.Warn("unsloth_sft enabled but no tasks defined, skipping")
		record.AddStage(StageResult{Name: "unsloth", Status: StatusSkipped, Note: "no tasks"})
		return nil
	}

	for _, name := range group.TaskOrder {
		task := group.Tasks[name]
		elapsed, err := o.runSFTTask(ctx, group, task, runDir)
		logFile := filepath.Join(runDir, "unsloth_"+name+".log")
		if err != nil {
			record.AddStage(StageResult{Name: "unsloth:" + name, Status: statusForErr(err), ElapsedSeconds: elapsed.Seconds(), LogFile: logFile, Note: err.Error()})
			return err
		}
		record.AddStage(StageResult{Name: "unsloth:" + name, Status: StatusRan, ElapsedSeconds: elapsed.Seconds(), LogFile: logFile})
	}
	return nil
}

// RunSingle runs exactly one of the simple stage slots (datasets, embeddings)
// with its own run directory and summary.
func (o *Orchestrator) RunSingle(ctx context.Context, name string) (*RunRecord, error) {
	var stage *config.Stage
	switch name {
	case "datasets":
		stage = o.Config.Datasets
	case "embeddings":
		stage = o.Config.Embeddings
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	if stage == nil {
		return nil, fmt.Errorf("%w: %s", ErrStageNotConfigured, name)
	}
	if !stage.Enabled {
		slog.Warn("stage is disabled, skipping", "stage", name)
	}

	runDir, err := NewRunDir(o.Config.RunLogsDir, name)
	if err != nil {
		return nil, err
	}
	record := NewRunRecord("run-"+name, o.Config.ModelProfile, runDir)

	if !stage.Enabled {
		record.AddStage(StageResult{Name: name, Status: StatusDisabled})
		return record, record.Write()
	}

	elapsed, runErr := o.runStage(ctx, name, stage, runDir)
	logFile := filepath.Join(runDir, name+".log")
	if runErr != nil {
		record.AddStage(StageResult{Name: name, Status: statusForErr(runErr), ElapsedSeconds: elapsed.Seconds(), LogFile: logFile, Note: runErr.Error()})
	} else {
		record.AddStage(StageResult{Name: name, Status: StatusRan, ElapsedSeconds: elapsed.Seconds(), LogFile: logFile})
	}
	if err := record.Write(); err != nil {
		slog.Error("failed to write run summary", "error", err)
	}
	return record, runErr
}

// RunSFT runs the unsloth_sft group: every task in declared order, or a single
// named task when task is non-empty.
func (o *Orchestrator) RunSFT(ctx context.Context, task string) (*RunRecord, error) {
	group := o.Config.UnslothSFT
	if group == nil {
		return nil, fmt.Errorf("%w: unsloth_sft", ErrStageNotConfigured)
	}

	label := "run_sft_all"
	if task != "" {
		label = "run_sft_" + task
	}
	runDir, err := NewRunDir(o.Config.RunLogsDir, label)
	if err != nil {
		return nil, err
	}
	record := NewRunRecord("run-sft", o.Config.ModelProfile, runDir)

	if !group.Enabled {
		slog.Warn("unsloth_sft is disabled, skipping all tasks")
		record.AddStage(StageResult{Name: "unsloth", Status: StatusDisabled})
		return record, record.Write()
	}
	if len(group.Tasks) == 0 {
		slog.Warn("no tasks defined in unsloth_sft.tasks, nothing to run")
		return record, record.Write()
	}

	order := group.TaskOrder
	if task != "" {
		if _, ok := group.Tasks[task]; !ok {
			return nil, fmt.Errorf("task %q not found in unsloth_sft.tasks, available: %v", task, group.TaskOrder)
		}
		order = []string{task}
	}

	var runErr error
	for _, name := range order {
		elapsed, err := o.runSFTTask(ctx, group, group.Tasks[name], runDir)
		logFile := filepath.Join(runDir, "unsloth_"+name+".log")
		if err != nil {
			record.AddStage(StageResult{Name: "unsloth:" + name, Status: statusForErr(err), ElapsedSeconds: elapsed.Seconds(), LogFile: logFile, Note: err.Error()})
			runErr = err
			break
		}
		record.AddStage(StageResult{Name: "unsloth:" + name, Status: StatusRan, ElapsedSeconds: elapsed.Seconds(), LogFile: logFile})
	}
	if runErr == nil {
		slog.Info("all unsloth tasks completed", "elapsed_seconds", fmt.Sprintf("%.1f", record.ElapsedSeconds))
	}
	if err := record.Write(); err != nil {
		slog.Error("failed to write run summary", "error", err)
	}
	return record, runErr
}

// RunExport runs the GGUF export stage followed by the mandatory MLC-format
// packaging. The mlc_export requirement is checked up front so a run never
// produces a GGUF artifact that silently lacks its web deployment package.
func (o *Orchestrator) RunExport(ctx context.Context) (*RunRecord, error) {
	if o.Config.Export == nil {
		return nil, fmt.Errorf("%w: export", ErrStageNotConfigured)
	}
	if o.Config.MLCExport == nil || !o.Config.MLCExport.Enabled {
		slog.Error("mlc_export is required, configure it and ensure it is enabled")
		return nil, ErrRequiredStageMissing
	}

	runDir, err := NewRunDir(o.Config.RunLogsDir, "export")
	if err != nil {
		return nil, err
	}
	record := NewRunRecord("run-export", o.Config.ModelProfile, runDir)

	for _, name := range []string{"export", "mlc_export"} {
		stage := o.Config.Export
		if name == "mlc_export" {
			stage = o.Config.MLCExport
		}
		elapsed, runErr := o.runStage(ctx, name, stage, runDir)
		logFile := filepath.Join(runDir, name+".log")
		if runErr != nil {
			record.AddStage(StageResult{Name: name, Status: statusForErr(runErr), ElapsedSeconds: elapsed.Seconds(), LogFile: logFile, Note: runErr.Error()})
			if err := record.Write(); err != nil {
				slog.Error("failed to write run summary", "error", err)
			}
			return record, runErr
		}
		record.AddStage(StageResult{Name: name, Status: StatusRan, ElapsedSeconds: elapsed.Seconds(), LogFile: logFile})
	}
	if err := record.Write(); err != nil {
		slog.Error("failed to write run summary", "error", err)
	}
	return record, nil
}
