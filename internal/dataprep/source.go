package dataprep

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Source streams the rows of one external dataset restricted to its declared
// split/subset.
type Source interface {
	Rows(ctx context.Context) ([]map[string]interface{}, error)
}

// localSource reads a JSONL file, one row object per line. A trailing
// incomplete line (for example from an interrupted append) is discarded with
// a warning rather than failing the source.
type localSource struct {
	path string
}

func (s *localSource) Rows(ctx context.Context) ([]map[string]interface{}, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening local source %s: %w", s.path, err)
	}
	defer f.Close()

	var rows []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			slog.Warn("skipping unparsable line in local source", "path", s.path, "line", lineNo, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading local source %s: %w", s.path, err)
	}
	return rows, nil
}

// stringify renders an arbitrary row value as a string, mirroring the loose
// field coercion of upstream dataset tooling.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
