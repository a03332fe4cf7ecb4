package dataprep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDedupState_Missing(t *testing.T) {
	state := LoadDedupState(filepath.Join(t.TempDir(), "dedup_state.json"))
	assert.Equal(t, 0, state.Len())
}

func TestLoadDedupState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	state := LoadDedupState(path)
	assert.Equal(t, 0, state.Len())
}

func TestDedupState_IsNew(t *testing.T) {
	state := LoadDedupState(filepath.Join(t.TempDir(), "dedup_state.json"))

	assert.True(t, state.IsNew("aaa"))
	assert.False(t, state.IsNew("aaa"))
	assert.True(t, state.IsNew("bbb"))
	assert.Equal(t, 2, state.Len())
}

func TestDedupState_SaveSortedAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup_state.json")

	state := LoadDedupState(path)
	for _, h := range []string{"ccc", "aaa", "bbb"} {
		state.IsNew(h)
	}
	require.NoError(t, state.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var hashes []string
	require.NoError(t, json.Unmarshal(data, &hashes))
	assert.True(t, sort.StringsAreSorted(hashes))
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, hashes)

	// A hash present in loaded state is never new again.
	reloaded := LoadDedupState(path)
	assert.False(t, reloaded.IsNew("aaa"))
	assert.Equal(t, 3, reloaded.Len())
}

func TestDedupState_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup_state.json")

	state := LoadDedupState(path)
	state.IsNew("aaa")
	require.NoError(t, state.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dedup_state.json", entries[0].Name())
}
