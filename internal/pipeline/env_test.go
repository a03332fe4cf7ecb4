package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongars-factory/internal/config"
)

func envValue(t *testing.T, env []string, key string) string {
	t.Helper()
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	t.Fatalf("key %s not found in env", key)
	return ""
}

func TestMergeEnv_Precedence(t *testing.T) {
	inherited := []string{"FOO=inherited", "KEEP=yes"}
	global := map[string]string{"FOO": "global", "G": "g"}
	stage := map[string]string{"FOO": "stage", "S": "s"}
	task := map[string]string{"FOO": "task"}

	env := MergeEnv(inherited, "", global, stage, task)

	assert.Equal(t, "task", envValue(t, env, "FOO"))
	assert.Equal(t, "yes", envValue(t, env, "KEEP"))
	assert.Equal(t, "g", envValue(t, env, "G"))
	assert.Equal(t, "s", envValue(t, env, "S"))

	env = MergeEnv(inherited, "", global, stage)
	assert.Equal(t, "stage", envValue(t, env, "FOO"))

	env = MergeEnv(inherited, "", global)
	assert.Equal(t, "global", envValue(t, env, "FOO"))

	env = MergeEnv(inherited, "")
	assert.Equal(t, "inherited", envValue(t, env, "FOO"))
}

func TestMergeEnv_ProfileInjectedOnlyIfAbsent(t *testing.T) {
	env := MergeEnv(nil, "default_profile")
	assert.Equal(t, "default_profile", envValue(t, env, config.EnvModelProfile))

	override := map[string]string{config.EnvModelProfile: "explicit"}
	env = MergeEnv(nil, "default_profile", override)
	assert.Equal(t, "explicit", envValue(t, env, config.EnvModelProfile))
}

func TestMergeEnv_Deterministic(t *testing.T) {
	layer := map[string]string{"B": "2", "A": "1", "C": "3"}
	first := MergeEnv(nil, "", layer)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, MergeEnv(nil, "", layer))
	}
	require.Len(t, first, 3)
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, first)
}

func TestBuildArgs_DeclarationOrder(t *testing.T) {
	args := map[string]string{
		"output_dir":      "./data",
		"langs":           "en,fr",
		"max_per_dataset": "100",
	}

	cli := BuildArgs(args, []string{"output_dir", "langs", "max_per_dataset"})
	assert.Equal(t, []string{
		"--output-dir", "./data",
		"--langs", "en,fr",
		"--max-per-dataset", "100",
	}, cli)
}

func TestBuildArgs_KeysOutsideOrderAppendedSorted(t *testing.T) {
	args := map[string]string{"b": "2", "task": "dialog", "a": "1"}

	cli := BuildArgs(args, []string{"task"})
	assert.Equal(t, []string{"--task", "dialog", "--a", "1", "--b", "2"}, cli)
}

func TestBuildArgs_Empty(t *testing.T) {
	assert.Empty(t, BuildArgs(nil, nil))
	assert.Empty(t, BuildArgs(map[string]string{}, nil))
}
