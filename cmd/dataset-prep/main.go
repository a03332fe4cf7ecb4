package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mongars-factory/cmd"
	"mongars-factory/internal/dataprep"
)

func main() {
	fs := flag.NewFlagSet("dataset-prep", flag.ExitOnError)
	outputDir := fs.String("output-dir", "", "directory where the prepared corpus and dedup state are stored")
	langs := fs.String("langs", "en,fr,fr-CA", "comma-separated list of language codes to keep")
	maxPerDataset := fs.Int("max-per-dataset", 50000, "maximum number of examples per dataset")
	metadataFile := fs.String("metadata-file", "", "path to the dataset manifest describing sources and field mappings")
	cacheDir := fs.String("cache-dir", "./hf_cache", "cache directory for fetched dataset rows")
	seed := fs.Int64("seed", 42, "random seed for subsampling")
	envFile := fs.String("env", "", "path to load env from")
	fs.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	cmd.LoadEnvFile(*envFile)

	if *outputDir == "" || *metadataFile == "" {
		slog.Error("--output-dir and --metadata-file are required")
		fs.Usage()
		os.Exit(2)
	}

	var langList []string
	for _, l := range strings.Split(*langs, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langList = append(langList, l)
		}
	}

	engine, err := dataprep.NewEngine(dataprep.Config{
		OutputDir:     *outputDir,
		Langs:         langList,
		MaxPerDataset: *maxPerDataset,
		MetadataFile:  *metadataFile,
		CacheDir:      *cacheDir,
		Seed:          *seed,
	})
	if err != nil {
		slog.Error("failed to initialize dataset engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := engine.Run(ctx); err != nil {
		slog.Error("dataset preparation failed", "error", err)
		os.Exit(1)
	}
}
