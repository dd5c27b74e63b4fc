package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// prealloc-check reports whether the volume holding a data directory's WAL
// supports preallocation, which decides if engine.wal.preallocate has any effect.
func main() {
	dataDir := flag.String("data-dir", ".", "engine data directory to probe")
	size := flag.Int64("size", 16*1024*1024, "bytes to attempt to preallocate")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	supported, err := check(filepath.Join(*dataDir, core.WALDirName), *size)
	if err != nil {
		logger.Error("Preallocation check failed", "error", err)
		os.Exit(2)
	}
	st := sys.GetPreallocStats()
	logger.Info("Preallocation check done",
		"supported", supported,
		"successes", st.Successes,
		"unsupported", st.Unsupported,
		"failures", st.Failures)
}

func check(dir string, size int64) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf("prealloc_check_%d.tmp", time.Now().UnixNano()))
	f, err := sys.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("creating probe file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	err = sys.Preallocate(f, size)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sys.ErrPreallocNotSupported):
		return false, nil
	default:
		return false, err
	}
}
