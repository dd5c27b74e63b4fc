package sys

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

var nextID atomic.Uint64

var openFiles sync.Map // id -> name

var debugLogger atomic.Pointer[slog.Logger]

// SetDebugLogger sets the logger used by debug-mode file handles.
func SetDebugLogger(l *slog.Logger) {
	debugLogger.Store(l.With("component", "DebugFile"))
}

type DebugFile struct {
	RealFile
	id     uint64
	logger *slog.Logger
}

func newDebugFile(f *os.File) *DebugFile {
	logger := debugLogger.Load()
	if logger == nil {
		logger = slog.Default().With("component", "DebugFile")
	}
	id := nextID.Add(1)
	logger = logger.With("id", id, "file_name", f.Name())
	logger.Debug("Opening file")
	openFiles.Store(id, f.Name())
	return &DebugFile{RealFile: RealFile{f: f}, id: id, logger: logger}
}

func (df *DebugFile) Close() error {
	df.logger.Debug("Closing file")
	openFiles.Delete(df.id)
	return df.RealFile.Close()
}

// OpenFiles lists the names of debug-mode files that have not been closed.
func OpenFiles() []string {
	var names []string
	openFiles.Range(func(_, value any) bool {
		names = append(names, value.(string))
		return true
	})
	sort.Strings(names)
	return names
}
