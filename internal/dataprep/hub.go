package dataprep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-resty/resty/v2"
)

// hubPageSize is the rows-per-request page size of the datasets-server API.
const hubPageSize = 100

// HubSettings configure access to the Hugging Face datasets-server rows API.
type HubSettings struct {
	Endpoint       string        `env:"HF_DATASETS_ENDPOINT" envDefault:"https://datasets-server.huggingface.co"`
	Token          string        `env:"HF_TOKEN"`
	RequestTimeout time.Duration `env:"HF_REQUEST_TIMEOUT" envDefault:"30s"`
}

func LoadHubSettings() (HubSettings, error) {
	var settings HubSettings
	if err := env.Parse(&settings); err != nil {
		return settings, fmt.Errorf("parsing hub settings from environment: %w", err)
	}
	return settings, nil
}

// HubClient fetches dataset rows over HTTP and caches them as JSONL under the
// cache directory so repeated runs stay offline.
type HubClient struct {
	client   *resty.Client
	cacheDir string
}

func NewHubClient(settings HubSettings, cacheDir string) *HubClient {
	client := resty.New().
		SetBaseURL(settings.Endpoint).
		SetTimeout(settings.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)
	if settings.Token != "" {
		client.SetAuthToken(settings.Token)
	}
	return &HubClient{client: client, cacheDir: cacheDir}
}

// Source returns a Source for the entry, served from the row cache when a
// prior run already fetched this dataset/subset/split.
func (c *HubClient) Source(entry DatasetEntry) Source {
	return &hubSource{client: c, entry: entry}
}

type hubSource struct {
	client *HubClient
	entry  DatasetEntry
}

type rowsResponse struct {
	Rows []struct {
		Row map[string]interface{} `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

func (s *hubSource) Rows(ctx context.Context) ([]map[string]interface{}, error) {
	cachePath := s.client.cachePath(s.entry)
	if _, err := os.Stat(cachePath); err == nil {
		slog.Info("serving dataset from row cache", "dataset", s.entry.HFName, "cache", cachePath)
		local := &localSource{path: cachePath}
		return local.Rows(ctx)
	}

	slog.Info("fetching dataset rows",
		"dataset", s.entry.HFName, "subset", s.entry.Subset, "split", s.entry.Split)

	var rows []map[string]interface{}
	for offset := 0; ; offset += hubPageSize {
		page, total, err := s.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) == 0 || len(rows) >= total {
			break
		}
	}

	if err := s.client.writeCache(cachePath, rows); err != nil {
		slog.Warn("failed to write row cache", "cache", cachePath, "error", err)
	}
	return rows, nil
}

func (s *hubSource) fetchPage(ctx context.Context, offset int) ([]map[string]interface{}, int, error) {
	params := map[string]string{
		"dataset": s.entry.HFName,
		"split":   s.entry.Split,
		"offset":  strconv.Itoa(offset),
		"length":  strconv.Itoa(hubPageSize),
	}
	if s.entry.Subset != "" {
		params["config"] = s.entry.Subset
	}

	var body rowsResponse
	resp, err := s.client.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get("/rows")
	if err != nil {
		return nil, 0, fmt.Errorf("fetching rows for %s: %w", s.entry.HFName, err)
	}
	if resp.IsError() {
		return nil, 0, fmt.Errorf("fetching rows for %s: server returned %s", s.entry.HFName, resp.Status())
	}

	page := make([]map[string]interface{}, 0, len(body.Rows))
	for _, r := range body.Rows {
		page = append(page, r.Row)
	}
	return page, body.NumRowsTotal, nil
}

func (c *HubClient) cachePath(entry DatasetEntry) string {
	name := sanitizeCacheName(entry.HFName)
	if entry.Subset != "" {
		name += "_" + sanitizeCacheName(entry.Subset)
	}
	name += "_" + sanitizeCacheName(entry.Split) + ".jsonl"
	return filepath.Join(c.cacheDir, name)
}

func (c *HubClient) writeCache(path string, rows []map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rows-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitizeCacheName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
