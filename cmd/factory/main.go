package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mongars-factory/cmd"
	"mongars-factory/internal/config"
	"mongars-factory/internal/pipeline"
)

const defaultConfigPath = "monGARS_factory.yml"

func usage() {
	fmt.Fprintf(os.Stderr, `monGARS model factory orchestrator

Usage:
  factory <command> [flags]

Commands:
  preflight       validate configuration, scripts and log dirs without running stages
  run-all         run the full pipeline: datasets -> embeddings -> sft -> export -> mlc export
  run-datasets    run the dataset pipeline only
  run-embeddings  run the embeddings / llm2vec pipeline only
  run-sft         run the Unsloth SFT pipeline (all tasks, or one via --task)
  run-export      run the GGUF export followed by mandatory MLC-format packaging

Flags:
  --config PATH   factory config file, YAML or JSON (default %q)
  --dry-run       print commands without executing them
  --env PATH      load environment variables from a .env file
  --task NAME     run-sft only: specific SFT task to run
`, defaultConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]

	known := map[string]bool{
		"preflight": true, "run-all": true, "run-datasets": true,
		"run-embeddings": true, "run-sft": true, "run-export": true,
	}
	if !known[command] {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the factory config file (YAML or JSON)")
	dryRun := fs.Bool("dry-run", false, "print commands without executing them")
	envFile := fs.String("env", "", "path to load env from")
	var task string
	if command == "run-sft" {
		fs.StringVar(&task, "task", "", "specific SFT task to run, runs all tasks if omitted")
	}
	fs.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError

	cmd.LoadEnvFile(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// External signals convert in-flight stages into a recorded failure
	// instead of a silently truncated log.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := pipeline.New(cfg, &pipeline.Runner{DryRun: *dryRun})

	var runErr error
	switch command {
	case "preflight":
		orch.Preflight(os.Stdout)
	case "run-all":
		_, runErr = orch.RunAll(ctx)
	case "run-datasets":
		_, runErr = orch.RunSingle(ctx, "datasets")
	case "run-embeddings":
		_, runErr = orch.RunSingle(ctx, "embeddings")
	case "run-sft":
		_, runErr = orch.RunSFT(ctx, task)
	case "run-export":
		_, runErr = orch.RunExport(ctx)
	}
	if runErr != nil {
		slog.Error("pipeline run failed", "command", command, "error", runErr)
		os.Exit(1)
	}
}
