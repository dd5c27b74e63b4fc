package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusdoc/hooks"
)

var (
	// expvars are global; registration happens once per process
	wafMetricsOnce    sync.Once
	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
)

func initWAFMetrics() {
	wafMetricsOnce.Do(func() {
		totalBytesRead = expvar.NewInt("nexusdoc_compaction_bytes_read_total")
		totalBytesWritten = expvar.NewInt("nexusdoc_compaction_bytes_written_total")
		compactionEvents = expvar.NewInt("nexusdoc_compaction_events_total")
		expvar.Publish("nexusdoc_compaction_waf", expvar.Func(func() interface{} {
			read := totalBytesRead.Value()
			if read == 0 {
				return 0.0
			}
			return float64(totalBytesWritten.Value()) / float64(read)
		}))
	})
}

// WriteAmplificationListener tracks how much a data-log compaction rewrites
// relative to what it reads. A ratio near 1 means little garbage was reclaimed.
type WriteAmplificationListener struct {
	logger *slog.Logger

	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
}

func NewWriteAmplificationListener(logger *slog.Logger) *WriteAmplificationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initWAFMetrics()
	return &WriteAmplificationListener{
		logger:            logger.With("component", "WriteAmplificationListener"),
		totalBytesRead:    totalBytesRead,
		totalBytesWritten: totalBytesWritten,
		compactionEvents:  compactionEvents,
	}
}

func (l *WriteAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		return nil
	}
	l.totalBytesRead.Add(payload.BytesRead)
	l.totalBytesWritten.Add(payload.BytesWritten)
	l.compactionEvents.Add(1)

	l.logger.Info("Compaction event processed",
		"collection", payload.Collection,
		"bytes_read", payload.BytesRead,
		"bytes_written", payload.BytesWritten,
		"live_records", payload.LiveRecords,
		"duration", payload.Duration,
	)
	return nil
}

func (l *WriteAmplificationListener) Priority() int { return 100 }

func (l *WriteAmplificationListener) IsAsync() bool { return true }
