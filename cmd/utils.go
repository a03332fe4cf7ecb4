package cmd

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads environment variables from an optional .env-style file.
// Useful for local development; an empty path keeps the process environment
// as-is.
func LoadEnvFile(path string) {
	if path == "" {
		slog.Debug("no env file specified, using os.Environ only")
		return
	}

	slog.Info("loading env from file", "path", path)
	if err := godotenv.Load(path); err != nil {
		slog.Error("error loading env file", "path", path, "error", err)
		os.Exit(1)
	}
}
