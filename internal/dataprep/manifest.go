package dataprep

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// DatasetEntry describes one external dataset source in the manifest: where
// it lives, which split to read, and how its fields map onto the canonical
// prompt/response schema. Loaded once, read-only afterwards.
type DatasetEntry struct {
	Name          string
	HFName        string
	Subset        string
	Split         string
	PromptField   string
	ResponseField string
	ContextField  string
	Language      string
	MaxExamples   int
}

type rawEntry struct {
	Name          string `yaml:"name" json:"name"`
	ID            string `yaml:"id" json:"id"`
	HFName        string `yaml:"hf_name" json:"hf_name"`
	Subset        string `yaml:"subset" json:"subset"`
	Split         string `yaml:"split" json:"split"`
	PromptField   string `yaml:"prompt_field" json:"prompt_field"`
	ResponseField string `yaml:"response_field" json:"response_field"`
	ContextField  string `yaml:"context_field" json:"context_field"`
	Language      string `yaml:"language" json:"language"`
	MaxExamples   int    `yaml:"max_examples" json:"max_examples"`
}

type rawManifest struct {
	Datasets []rawEntry `yaml:"datasets" json:"datasets"`
}

var errManifestShape = errors.New("dataset manifest must be a list or have a 'datasets' list")

// LoadManifest reads a dataset manifest (JSON or YAML by extension). The top
// level may be either a bare sequence of descriptors or a mapping with a
// 'datasets' key holding that sequence.
func LoadManifest(path string) ([]DatasetEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata file not found: %s", path)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	isYAML := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		isYAML = true
	}

	raw, err := decodeEntries(data, isYAML)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	entries := make([]DatasetEntry, 0, len(raw))
	for i, r := range raw {
		if r.HFName == "" {
			return nil, fmt.Errorf("manifest entry %d is missing required field hf_name", i)
		}
		entry := DatasetEntry{
			Name:          r.Name,
			HFName:        r.HFName,
			Subset:        r.Subset,
			Split:         r.Split,
			PromptField:   r.PromptField,
			ResponseField: r.ResponseField,
			ContextField:  r.ContextField,
			Language:      r.Language,
			MaxExamples:   r.MaxExamples,
		}
		// Tolerate small naming variations between manifests.
		if entry.Name == "" {
			entry.Name = r.ID
		}
		if entry.Name == "" {
			entry.Name = r.HFName
		}
		if entry.Split == "" {
			entry.Split = "train"
		}
		if entry.PromptField == "" {
			entry.PromptField = "prompt"
		}
		if entry.ResponseField == "" {
			entry.ResponseField = "response"
		}
		entries = append(entries, entry)
	}

	slog.Info("loaded dataset manifest", "path", path, "entries", len(entries))
	return entries, nil
}

func decodeEntries(data []byte, isYAML bool) ([]rawEntry, error) {
	unmarshal := json.Unmarshal
	if isYAML {
		unmarshal = yaml.Unmarshal
	}

	var list []rawEntry
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapper rawManifest
	if err := unmarshal(data, &wrapper); err == nil && wrapper.Datasets != nil {
		return wrapper.Datasets, nil
	}
	return nil, errManifestShape
}
