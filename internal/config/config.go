package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvModelProfile is injected into the environment of every child process so
// that downstream scripts know which build variant they are producing.
const EnvModelProfile = "MONGARS_MODEL_PROFILE"

const (
	DefaultModelProfile = "monGARS_webLLM"
	DefaultRunLogsDir   = "factory_runs"
	DefaultPythonBin    = "python3"
)

var (
	ErrConfigNotFound           = errors.New("config file not found")
	ErrConfigParse              = errors.New("config file is not a valid mapping")
	ErrProjectRootNotFound      = errors.New("project_root does not exist")
	ErrInterpreterNotExecutable = errors.New("configured python_bin is not executable")
)

// Stage describes one pipeline stage bound to a single external script.
// Built once at config-load time and never mutated afterwards.
type Stage struct {
	Enabled bool
	Script  string // absolute path, resolved against the project root
	Args    map[string]string
	// ArgOrder preserves the declaration order of Args keys so rendered
	// command lines follow the config file.
	ArgOrder []string
	Env      map[string]string
	Timeout  time.Duration // 0 means no timeout
}

// SFTTask is one named sub-unit of the unsloth_sft group. Tasks share the
// group's script but carry their own arguments and environment.
type SFTTask struct {
	Name     string
	Args     map[string]string
	ArgOrder []string
	Env      map[string]string
}

// SFTGroup is the grouped multi-task unsloth_sft slot.
type SFTGroup struct {
	Enabled bool
	Script  string
	Env     map[string]string
	Tasks   map[string]SFTTask
	// TaskOrder is the declaration order of the tasks section. Task sequence
	// is a training curriculum, so document order is the contract.
	TaskOrder []string
}

// PipelineConfig is the immutable result of loading a factory config file.
type PipelineConfig struct {
	ProjectRoot  string
	PythonBin    string
	ModelProfile string
	GlobalEnv    map[string]string
	RunLogsDir   string

	Datasets   *Stage
	Embeddings *Stage
	Export     *Stage
	MLCExport  *Stage
	UnslothSFT *SFTGroup
}

type rawStage struct {
	Enabled        *bool                  `yaml:"enabled" json:"enabled"`
	Script         *string                `yaml:"script" json:"script"`
	Args           orderedMap             `yaml:"args" json:"args"`
	Env            map[string]interface{} `yaml:"env" json:"env"`
	TimeoutSeconds interface{}            `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type rawTask struct {
	Args orderedMap             `yaml:"args" json:"args"`
	Env  map[string]interface{} `yaml:"env" json:"env"`
}

type rawSFT struct {
	Enabled *bool                  `yaml:"enabled" json:"enabled"`
	Script  *string                `yaml:"script" json:"script"`
	Env     map[string]interface{} `yaml:"env" json:"env"`
	Tasks   orderedTasks           `yaml:"tasks" json:"tasks"`
}

// orderedMap is a string-keyed mapping that remembers its declaration order,
// which plain Go maps discard.
type orderedMap struct {
	keys   []string
	values map[string]interface{}
}

func (m *orderedMap) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var slice yaml.MapSlice
	if err := unmarshal(&slice); err != nil {
		return err
	}
	m.values = make(map[string]interface{}, len(slice))
	for _, item := range slice {
		key := toString(item.Key)
		if _, dup := m.values[key]; !dup {
			m.keys = append(m.keys, key)
		}
		m.values[key] = item.Value
	}
	return nil
}

func (m *orderedMap) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &m.values); err != nil {
		return err
	}
	keys, err := jsonKeyOrder(data)
	if err != nil {
		return err
	}
	m.keys = keys
	return nil
}

func (m orderedMap) stringValues() (map[string]string, []string) {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = toString(v)
	}
	return out, m.keys
}

// orderedTasks decodes the unsloth_sft.tasks section keeping the declaration
// order of the task names alongside the typed task bodies.
type orderedTasks struct {
	order []string
	tasks map[string]rawTask
}

func (t *orderedTasks) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var slice yaml.MapSlice
	if err := unmarshal(&slice); err != nil {
		return err
	}
	seen := make(map[string]bool, len(slice))
	for _, item := range slice {
		key := toString(item.Key)
		if !seen[key] {
			seen[key] = true
			t.order = append(t.order, key)
		}
	}
	return unmarshal(&t.tasks)
}

func (t *orderedTasks) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &t.tasks); err != nil {
		return err
	}
	order, err := jsonKeyOrder(data)
	if err != nil {
		return err
	}
	t.order = order
	return nil
}

// jsonKeyOrder re-scans an object's tokens to recover the key order that
// encoding/json's map decoding drops. Duplicate keys keep their first slot.
func jsonKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var keys []string
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

type rawConfig struct {
	ProjectRoot  string                 `yaml:"project_root" json:"project_root"`
	PythonBin    string                 `yaml:"python_bin" json:"python_bin"`
	ModelProfile *string                `yaml:"model_profile" json:"model_profile"`
	RunLogsDir   string                 `yaml:"run_logs_dir" json:"run_logs_dir"`
	GlobalEnv    map[string]interface{} `yaml:"global_env" json:"global_env"`
	Datasets     *rawStage              `yaml:"datasets" json:"datasets"`
	Embeddings   *rawStage              `yaml:"embeddings" json:"embeddings"`
	Export       *rawStage              `yaml:"export" json:"export"`
	MLCExport    *rawStage              `yaml:"mlc_export" json:"mlc_export"`
	UnslothSFT   *rawSFT                `yaml:"unsloth_sft" json:"unsloth_sft"`
}

// Load reads, parses and resolves a factory config file. The format is chosen
// by extension: .yml/.yaml parse as YAML, anything else as JSON. Creating the
// run-logs directory is a deliberate side effect of loading.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigParse, path, err)
	}

	rootRaw := raw.ProjectRoot
	if rootRaw == "" {
		rootRaw = "."
	}
	projectRoot, err := filepath.Abs(rootRaw)
	if err != nil {
		return nil, fmt.Errorf("resolving project_root %s: %w", rootRaw, err)
	}
	if _, err := os.Stat(projectRoot); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectRootNotFound, projectRoot)
	}

	pythonRaw := raw.PythonBin
	if pythonRaw == "" {
		pythonRaw = DefaultPythonBin
	}
	pythonBin, err := resolvePythonBin(pythonRaw)
	if err != nil {
		return nil, err
	}

	profile := DefaultModelProfile
	if raw.ModelProfile != nil {
		profile = *raw.ModelProfile
	}
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return nil, fmt.Errorf("%w: model_profile must be a non-empty string", ErrConfigParse)
	}

	logsRaw := raw.RunLogsDir
	if logsRaw == "" {
		logsRaw = DefaultRunLogsDir
	}
	runLogsDir := resolveUnder(projectRoot, logsRaw)
	if err := os.MkdirAll(runLogsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run logs dir %s: %w", runLogsDir, err)
	}

	globalEnv := toStringMap(raw.GlobalEnv)
	// Every stage is explicitly targeted at the configured build profile. An
	// explicit global_env override still wins in the composer.
	globalEnv[EnvModelProfile] = profile

	cfg := &PipelineConfig{
		ProjectRoot:  projectRoot,
		PythonBin:    pythonBin,
		ModelProfile: profile,
		GlobalEnv:    globalEnv,
		RunLogsDir:   runLogsDir,
		Datasets:     parseStage("datasets", raw.Datasets, projectRoot),
		Embeddings:   parseStage("embeddings", raw.Embeddings, projectRoot),
		Export:       parseStage("export", raw.Export, projectRoot),
		MLCExport:    parseStage("mlc_export", raw.MLCExport, projectRoot),
		UnslothSFT:   parseSFT(raw.UnslothSFT, projectRoot),
	}
	return cfg, nil
}

// parseStage builds one stage descriptor. A section without a script key is
// treated as absent with a warning so that one malformed optional stage never
// blocks the stages that are fine.
func parseStage(name string, raw *rawStage, projectRoot string) *Stage {
	if raw == nil {
		return nil
	}
	if raw.Script == nil {
		slog.Warn("stage defined without 'script' key, disabling it", "stage", name)
		return nil
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	args, argOrder := raw.Args.stringValues()
	stage := &Stage{
		Enabled:  enabled,
		Script:   resolveUnder(projectRoot, *raw.Script),
		Args:     args,
		ArgOrder: argOrder,
		Env:      toStringMap(raw.Env),
	}
	if raw.TimeoutSeconds != nil {
		secs, ok := toFloat(raw.TimeoutSeconds)
		if !ok {
			slog.Warn("invalid timeout_seconds, ignoring value", "stage", name, "value", raw.TimeoutSeconds)
		} else {
			stage.Timeout = time.Duration(secs * float64(time.Second))
		}
	}
	return stage
}

func parseSFT(raw *rawSFT, projectRoot string) *SFTGroup {
	if raw == nil {
		return nil
	}
	if raw.Script == nil {
		slog.Warn("unsloth_sft section missing 'script', disabling")
		return nil
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	group := &SFTGroup{
		Enabled: enabled,
		Script:  resolveUnder(projectRoot, *raw.Script),
		Env:     toStringMap(raw.Env),
		Tasks:   make(map[string]SFTTask, len(raw.Tasks.tasks)),
	}
	for _, name := range raw.Tasks.order {
		task := raw.Tasks.tasks[name]
		args, argOrder := task.Args.stringValues()
		group.Tasks[name] = SFTTask{
			Name:     name,
			Args:     args,
			ArgOrder: argOrder,
			Env:      toStringMap(task.Env),
		}
		group.TaskOrder = append(group.TaskOrder, name)
	}

	if len(group.Tasks) == 0 {
		slog.Warn("unsloth_sft has no tasks defined, it will be a no-op")
	}
	return group
}

// resolvePythonBin mirrors the interpreter lookup policy: a reference found on
// PATH (or a directly executable path) is used as-is; an existing but
// non-executable path fails fast; anything else falls back to a python
// interpreter found on PATH with a warning.
func resolvePythonBin(raw string) (string, error) {
	if resolved, err := exec.LookPath(raw); err == nil {
		return resolved, nil
	}
	if _, err := os.Stat(raw); err == nil {
		return "", fmt.Errorf("%w: %s", ErrInterpreterNotExecutable, raw)
	}
	for _, candidate := range []string{"python3", "python"} {
		if resolved, err := exec.LookPath(candidate); err == nil {
			slog.Warn("python_bin not found on PATH, falling back", "configured", raw, "using", resolved)
			return resolved, nil
		}
	}
	slog.Warn("python_bin not found on PATH and no fallback interpreter available", "configured", raw)
	return raw, nil
}

func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// toStringMap coerces an untyped config mapping into string keys and values.
// Never returns nil so callers can layer maps without nil checks.
func toStringMap(raw map[string]interface{}) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = toString(v)
	}
	return out
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
