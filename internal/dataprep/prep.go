package dataprep

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
)

const (
	CorpusFileName     = "mongars_corpus.jsonl"
	DedupStateFileName = "dedup_state.json"
)

// Config holds the run-level settings of one dataset preparation run.
type Config struct {
	OutputDir     string
	Langs         []string // language allow-list; empty keeps everything
	MaxPerDataset int      // default per-entry example cap
	MetadataFile  string
	CacheDir      string
	Seed          int64
}

// Stats are the aggregate counts reported at the end of a run.
type Stats struct {
	Seen       int
	Written    int
	Duplicates int
}

// Engine streams every manifest entry's examples into one normalized corpus
// under exact-duplicate suppression. Single-threaded by design: it is the
// only writer of the corpus and dedup state for the duration of a run.
type Engine struct {
	cfg Config
	hub *HubClient
	rng *rand.Rand
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	settings, err := LoadHubSettings()
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg: cfg,
		hub: NewHubClient(settings, cfg.CacheDir),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Run processes every manifest entry in declared order. Row-level and
// entry-level problems are recovered locally; the run completes and reports
// counts. The dedup state is persisted only at the end, so a crash re-seen on
// restart costs re-processing, never state corruption.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	entries, err := LoadManifest(e.cfg.MetadataFile)
	if err != nil {
		return stats, err
	}

	statePath := filepath.Join(e.cfg.OutputDir, DedupStateFileName)
	corpusPath := filepath.Join(e.cfg.OutputDir, CorpusFileName)
	dedup := LoadDedupState(statePath)

	out, err := os.OpenFile(corpusPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return stats, fmt.Errorf("opening corpus %s: %w", corpusPath, err)
	}
	writer := bufio.NewWriter(out)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			// Rows already counted as written must reach the corpus and the
			// state file even when the run is interrupted.
			if ferr := writer.Flush(); ferr != nil {
				slog.Error("failed to flush corpus during shutdown", "error", ferr)
			}
			out.Close()
			if serr := dedup.Save(statePath); serr != nil {
				slog.Error("failed to save dedup state during shutdown", "error", serr)
			}
			return stats, err
		}
		slog.Info("processing dataset", "dataset", entry.Name)
		if err := e.processEntry(ctx, entry, dedup, writer, &stats); err != nil {
			slog.Error("skipping dataset after error", "dataset", entry.Name, "error", err)
		}
	}

	if err := writer.Flush(); err != nil {
		out.Close()
		return stats, fmt.Errorf("flushing corpus: %w", err)
	}
	if err := out.Close(); err != nil {
		return stats, fmt.Errorf("closing corpus: %w", err)
	}

	if err := dedup.Save(statePath); err != nil {
		return stats, err
	}

	slog.Info("dataset prep summary",
		"seen", stats.Seen, "written", stats.Written, "duplicates", stats.Duplicates,
		"corpus", corpusPath)
	return stats, nil
}

func (e *Engine) processEntry(ctx context.Context, entry DatasetEntry, dedup *DedupState, writer *bufio.Writer, stats *Stats) error {
	rows, err := e.loadRows(ctx, entry)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(rows),
		progressbar.OptionSetDescription(entry.Name),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	enc := json.NewEncoder(writer)

	for _, row := range rows {
		_ = bar.Add(1)

		example, ok := e.normalizeRow(entry, row)
		if !ok {
			continue
		}
		stats.Seen++

		key := ContentHash(example.Prompt, example.Response)
		if !dedup.IsNew(key) {
			stats.Duplicates++
			continue
		}
		if err := enc.Encode(example); err != nil {
			return fmt.Errorf("writing corpus line: %w", err)
		}
		stats.Written++
	}
	return nil
}

// loadRows streams the entry's source and applies the per-entry example cap.
// Oversized sources are subsampled by a deterministic seeded shuffle over row
// indices, bounding work per source while staying reproducible for a fixed
// seed and manifest order.
func (e *Engine) loadRows(ctx context.Context, entry DatasetEntry) ([]map[string]interface{}, error) {
	rows, err := e.openSource(entry).Rows(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded dataset", "dataset", entry.Name, "rows", len(rows))

	limit := entry.MaxExamples
	if limit <= 0 {
		limit = e.cfg.MaxPerDataset
	}
	if limit > 0 && len(rows) > limit {
		slog.Info("subsampling dataset", "dataset", entry.Name, "from", len(rows), "to", limit)
		perm := e.rng.Perm(len(rows))
		sampled := make([]map[string]interface{}, 0, limit)
		for _, idx := range perm[:limit] {
			sampled = append(sampled, rows[idx])
		}
		rows = sampled
	}
	return rows, nil
}

// openSource resolves an entry's source identifier: an existing local file is
// read directly as JSONL, anything else is treated as a hub dataset name.
func (e *Engine) openSource(entry DatasetEntry) Source {
	if info, err := os.Stat(entry.HFName); err == nil && !info.IsDir() {
		return &localSource{path: entry.HFName}
	}
	return e.hub.Source(entry)
}

// normalizeRow extracts and validates one row. The second return value is
// false when the row should be skipped: missing or blank required fields, or
// a language outside the allow-list.
func (e *Engine) normalizeRow(entry DatasetEntry, row map[string]interface{}) (*CanonicalExample, bool) {
	promptRaw, ok := row[entry.PromptField]
	if !ok {
		slog.Warn("skipping example due to missing field", "dataset", entry.Name, "field", entry.PromptField)
		return nil, false
	}
	responseRaw, ok := row[entry.ResponseField]
	if !ok {
		slog.Warn("skipping example due to missing field", "dataset", entry.Name, "field", entry.ResponseField)
		return nil, false
	}

	prompt := strings.TrimSpace(stringify(promptRaw))
	response := strings.TrimSpace(stringify(responseRaw))
	if prompt == "" || response == "" {
		return nil, false
	}

	var contextField string
	if entry.ContextField != "" {
		if v, ok := row[entry.ContextField]; ok {
			contextField = strings.TrimSpace(stringify(v))
		}
	}

	lang := entry.Language
	if lang == "" {
		lang = "unknown"
	}
	// Unknown-language rows always pass the filter: language tagging is often
	// absent and dropping untagged rows would gut most sources.
	if len(e.cfg.Langs) > 0 && lang != "unknown" && !contains(e.cfg.Langs, lang) {
		return nil, false
	}

	return &CanonicalExample{
		Prompt:   prompt,
		Response: response,
		Language: lang,
		Task:     InferTask(entry.Name),
		Context:  contextField,
		Source:   entry.Name,
	}, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
