package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongars-factory/internal/config"
)

func testPipelineConfig(t *testing.T) *config.PipelineConfig {
	t.Helper()
	root := t.TempDir()
	logsDir := filepath.Join(root, "factory_runs")
	require.NoError(t, os.MkdirAll(logsDir, 0755))
	return &config.PipelineConfig{
		ProjectRoot:  root,
		PythonBin:    "/bin/sh",
		ModelProfile: "test_profile",
		GlobalEnv:    map[string]string{config.EnvModelProfile: "test_profile"},
		RunLogsDir:   logsDir,
	}
}

func writeScript(t *testing.T, root, name, body string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func stageNames(record *RunRecord) []string {
	names := make([]string, 0, len(record.Stages))
	for _, s := range record.Stages {
		names = append(names, s.Name)
	}
	return names
}

func TestRunAll_DryRunFullTopology(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "stage.sh", "echo ok\n")

	cfg.Datasets = &config.Stage{Enabled: true, Script: script}
	cfg.Embeddings = &config.Stage{Enabled: true, Script: script}
	cfg.Export = &config.Stage{Enabled: true, Script: script}
	cfg.MLCExport = &config.Stage{Enabled: true, Script: script}
	cfg.UnslothSFT = &config.SFTGroup{
		Enabled: true,
		Script:  script,
		Tasks: map[string]config.SFTTask{
			"dialog":    {Name: "dialog"},
			"reasoning": {Name: "reasoning"},
		},
		TaskOrder: []string{"dialog", "reasoning"},
	}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	record, err := orch.RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"datasets", "embeddings", "unsloth:dialog", "unsloth:reasoning", "export", "mlc_export",
	}, stageNames(record))
	for _, stage := range record.Stages {
		assert.Equal(t, StatusRan, stage.Status)
	}

	data, err := os.ReadFile(filepath.Join(record.LogDir, "summary.json"))
	require.NoError(t, err)
	var persisted RunRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "run-all", persisted.Command)
	assert.Equal(t, "test_profile", persisted.ModelProfile)
	assert.NotEmpty(t, persisted.RunID)
	assert.Len(t, persisted.Stages, 6)
}

func TestRunAll_RequiredStageDisabled(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "stage.sh", "echo ok\n")
	cfg.MLCExport = &config.Stage{Enabled: false, Script: script}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	record, err := orch.RunAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequiredStageMissing)

	// The summary is still produced, reporting the policy violation.
	last := record.Stages[len(record.Stages)-1]
	assert.Equal(t, "mlc_export", last.Name)
	assert.Equal(t, StatusDisabled, last.Status)
	assert.FileExists(t, filepath.Join(record.LogDir, "summary.json"))
}

func TestRunAll_RequiredStageNotConfigured(t *testing.T) {
	cfg := testPipelineConfig(t)

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	record, err := orch.RunAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequiredStageMissing)

	last := record.Stages[len(record.Stages)-1]
	assert.Equal(t, StatusNotConfigured, last.Status)
}

func TestRunAll_StageFailureAbortsRemainder(t *testing.T) {
	cfg := testPipelineConfig(t)
	failing := writeScript(t, cfg.ProjectRoot, "fail.sh", "exit 1\n")
	ok := writeScript(t, cfg.ProjectRoot, "ok.sh", "echo ok\n")

	cfg.Datasets = &config.Stage{Enabled: true, Script: failing}
	cfg.Embeddings = &config.Stage{Enabled: true, Script: ok}
	cfg.MLCExport = &config.Stage{Enabled: true, Script: ok}

	orch := New(cfg, &Runner{Stdout: &bytes.Buffer{}})
	record, err := orch.RunAll(context.Background())
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)

	// Only the failed stage is recorded; nothing after it ran.
	assert.Equal(t, []string{"datasets"}, stageNames(record))
	assert.Equal(t, StatusFailed, record.Stages[0].Status)
	assert.FileExists(t, filepath.Join(record.LogDir, "summary.json"))
}

func TestRunSFT_InjectsTaskArg(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "sft.sh", "echo ARGS: \"$@\"\n")
	cfg.UnslothSFT = &config.SFTGroup{
		Enabled:   true,
		Script:    script,
		Tasks:     map[string]config.SFTTask{"dialog": {Name: "dialog"}},
		TaskOrder: []string{"dialog"},
	}

	var stdout bytes.Buffer
	orch := New(cfg, &Runner{Stdout: &stdout})
	_, err := orch.RunSFT(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "ARGS: --task dialog")
}

func TestRunSFT_ExplicitTaskArgWins(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "sft.sh", "echo ARGS: \"$@\"\n")
	cfg.UnslothSFT = &config.SFTGroup{
		Enabled: true,
		Script:  script,
		Tasks: map[string]config.SFTTask{
			"dialog": {Name: "dialog", Args: map[string]string{"task": "custom"}},
		},
		TaskOrder: []string{"dialog"},
	}

	var stdout bytes.Buffer
	orch := New(cfg, &Runner{Stdout: &stdout})
	_, err := orch.RunSFT(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "ARGS: --task custom")
}

func TestRunSFT_TasksRunInDeclaredOrder(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "sft.sh", "echo ok\n")
	// Declared order is not alphabetical; the run must follow it anyway.
	cfg.UnslothSFT = &config.SFTGroup{
		Enabled: true,
		Script:  script,
		Tasks: map[string]config.SFTTask{
			"zeta":  {Name: "zeta"},
			"alpha": {Name: "alpha"},
		},
		TaskOrder: []string{"zeta", "alpha"},
	}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	record, err := orch.RunSFT(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"unsloth:zeta", "unsloth:alpha"}, stageNames(record))
}

func TestRunSFT_UnknownTask(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "sft.sh", "echo ok\n")
	cfg.UnslothSFT = &config.SFTGroup{
		Enabled:   true,
		Script:    script,
		Tasks:     map[string]config.SFTTask{"dialog": {Name: "dialog"}},
		TaskOrder: []string{"dialog"},
	}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	_, err := orch.RunSFT(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunSingle_NotConfigured(t *testing.T) {
	cfg := testPipelineConfig(t)
	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})

	_, err := orch.RunSingle(context.Background(), "datasets")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageNotConfigured)
}

func TestRunSingle_Disabled(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "stage.sh", "echo ok\n")
	cfg.Datasets = &config.Stage{Enabled: false, Script: script}

	orch := New(cfg, &Runner{Stdout: &bytes.Buffer{}})
	record, err := orch.RunSingle(context.Background(), "datasets")
	require.NoError(t, err)
	require.Len(t, record.Stages, 1)
	assert.Equal(t, StatusDisabled, record.Stages[0].Status)
}

func TestRunSingle_MissingScript(t *testing.T) {
	cfg := testPipelineConfig(t)
	cfg.Embeddings = &config.Stage{Enabled: true, Script: filepath.Join(cfg.ProjectRoot, "gone.sh")}

	orch := New(cfg, &Runner{Stdout: &bytes.Buffer{}})
	_, err := orch.RunSingle(context.Background(), "embeddings")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestRunExport_RequiredStageMissing(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "export.sh", "echo ok\n")
	cfg.Export = &config.Stage{Enabled: true, Script: script}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	_, err := orch.RunExport(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequiredStageMissing)
}

func TestRunExport_RunsBothStages(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "export.sh", "echo ok\n")
	cfg.Export = &config.Stage{Enabled: true, Script: script}
	cfg.MLCExport = &config.Stage{Enabled: true, Script: script}

	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	record, err := orch.RunExport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"export", "mlc_export"}, stageNames(record))
}

func TestPreflight(t *testing.T) {
	cfg := testPipelineConfig(t)
	script := writeScript(t, cfg.ProjectRoot, "stage.sh", "echo ok\n")
	cfg.Datasets = &config.Stage{Enabled: true, Script: script}
	cfg.Export = &config.Stage{Enabled: false, Script: script}
	cfg.MLCExport = &config.Stage{Enabled: true, Script: filepath.Join(cfg.ProjectRoot, "gone.sh")}

	var out bytes.Buffer
	orch := New(cfg, &Runner{DryRun: true, Stdout: &bytes.Buffer{}})
	orch.Preflight(&out)

	report := out.String()
	assert.Contains(t, report, "test_profile")
	assert.Contains(t, report, "ready")
	assert.Contains(t, report, "disabled")
	assert.Contains(t, report, "missing script")
	assert.Contains(t, report, "not configured")
}
