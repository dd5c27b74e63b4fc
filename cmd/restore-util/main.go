package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/storage"
)

func main() {
	snapshotFile := flag.String("snapshot", "", "Path to the snapshot file to restore from (required)")
	targetDataDir := flag.String("target-dir", "", "Path to the new data directory where the store will be restored (required)")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	logOutput := flag.String("log-output", "stdout", "Log output (stdout, file, none)")
	logFile := flag.String("log-file", "restore-util.log", "Path to log file if output is 'file'")
	keyFile := flag.String("key-file", "", "Hex-encoded encryption key, required when the snapshot holds encrypted collections")
	flag.Parse()

	if *snapshotFile == "" || *targetDataDir == "" {
		fmt.Println("Usage: restore-util -snapshot <path_to_snapshot_file> -target-dir <path_to_new_data_dir>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var level slog.Level
	switch strings.ToLower(*logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		fmt.Printf("Invalid log level: %s. Defaulting to info.\n", *logLevel)
		level = slog.LevelInfo
	}

	var output io.Writer = os.Stdout
	switch strings.ToLower(*logOutput) {
	case "stdout":
	case "file":
		file, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("Failed to open log file", "path", *logFile, "error", err)
			os.Exit(1)
		}
		defer file.Close()
		output = file
	case "none":
		output = io.Discard
	}
	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))

	if err := run(context.Background(), *snapshotFile, *targetDataDir, *keyFile, logger); err != nil {
		logger.Error("Restore failed", "error", err)
		os.Exit(1)
	}
}

// run restores snapshotFile into an empty or missing targetDataDir by
// opening a fresh engine there and replaying the snapshot through it.
func run(ctx context.Context, snapshotFile, targetDataDir, keyFile string, logger *slog.Logger) error {
	logger.Info("Starting restore from snapshot...", "snapshot", snapshotFile, "target_dir", targetDataDir)
	if _, err := os.Stat(targetDataDir); !os.IsNotExist(err) {
		dir, err := os.ReadDir(targetDataDir)
		if err != nil {
			return fmt.Errorf("failed to read target directory %s: %w", targetDataDir, err)
		}
		if len(dir) > 0 {
			return fmt.Errorf("target directory %s already exists and is not empty. Please specify a new or empty directory", targetDataDir)
		}
	}

	opts := engine.Options{
		DataDir:     targetDataDir,
		WALSyncMode: core.WALSyncEveryWrite,
		Logger:      logger,
	}
	if keyFile != "" {
		c, err := storage.LoadXChaCha20Cipher(keyFile)
		if err != nil {
			return err
		}
		opts.Cipher = c
	}
	e, err := engine.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open target engine: %w", err)
	}
	meta, err := e.RestoreSnapshotFile(ctx, snapshotFile)
	if err != nil {
		e.Close()
		return fmt.Errorf("failed to restore from snapshot: %w", err)
	}
	if err := e.Close(); err != nil {
		return fmt.Errorf("failed to close target engine: %w", err)
	}

	logger.Info("Restore completed successfully.", "collections", len(meta.Collections), "seq", meta.Seq)
	logger.Info("You can now start the server with the data directory set to:", "data_dir", targetDataDir)
	return nil
}
