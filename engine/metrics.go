package engine

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	WritesTotal      *expvar.Int
	WriteErrorsTotal *expvar.Int
	ReadsTotal       *expvar.Int
	DeletesTotal     *expvar.Int
	ScansTotal       *expvar.Int

	CacheHits      *expvar.Int
	CacheMisses    *expvar.Int
	CacheEvictions *expvar.Int

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int
	WALSyncsTotal          *expvar.Int

	WALRecoveryDurationSeconds *expvar.Float
	WALRecoveredEntriesTotal   *expvar.Int

	UniqueViolationsTotal  *expvar.Int
	CompensationsTotal     *expvar.Int
	IndexBuildsTotal       *expvar.Int
	CheckpointsTotal       *expvar.Int
	WALSegmentsPurgedTotal *expvar.Int
	CompactionTotal        *expvar.Int
	CompactionErrorsTotal  *expvar.Int
	ExpiredDocumentsTotal  *expvar.Int
	CacheWarmedTotal       *expvar.Int

	// Degraded is 1 while writes are refused.
	Degraded *expvar.Int

	SystemMemUsedPercent *expvar.Float
	DiskFreeBytes        *expvar.Int

	WriteLatencyHist  *expvar.Map
	ReadLatencyHist   *expvar.Map
	DeleteLatencyHist *expvar.Map
	ScanLatencyHist   *expvar.Map

	writeQuantiles *quantiles
	readQuantiles  *quantiles
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally: publishGlobally,
		WritesTotal:       newIntFunc(prefix + "writes_total"),
		WriteErrorsTotal:  newIntFunc(prefix + "write_errors_total"),
		ReadsTotal:        newIntFunc(prefix + "reads_total"),
		DeletesTotal:      newIntFunc(prefix + "deletes_total"),
		ScansTotal:        newIntFunc(prefix + "scans_total"),

		CacheHits:      newIntFunc(prefix + "cache_hits"),
		CacheMisses:    newIntFunc(prefix + "cache_misses"),
		CacheEvictions: newIntFunc(prefix + "cache_evictions"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newIntFunc(prefix + "wal_entries_written_total"),
		WALSyncsTotal:          newIntFunc(prefix + "wal_syncs_total"),

		WALRecoveryDurationSeconds: newFloatFunc(prefix + "wal_recovery_duration_seconds"),
		WALRecoveredEntriesTotal:   newIntFunc(prefix + "wal_recovered_entries_total"),

		UniqueViolationsTotal:  newIntFunc(prefix + "unique_violations_total"),
		CompensationsTotal:     newIntFunc(prefix + "compensations_total"),
		IndexBuildsTotal:       newIntFunc(prefix + "index_builds_total"),
		CheckpointsTotal:       newIntFunc(prefix + "checkpoints_total"),
		WALSegmentsPurgedTotal: newIntFunc(prefix + "wal_segments_purged_total"),
		CompactionTotal:        newIntFunc(prefix + "compaction_total"),
		CompactionErrorsTotal:  newIntFunc(prefix + "compaction_errors_total"),
		ExpiredDocumentsTotal:  newIntFunc(prefix + "expired_documents_total"),
		CacheWarmedTotal:       newIntFunc(prefix + "cache_warmed_total"),

		Degraded: newIntFunc(prefix + "degraded"),

		SystemMemUsedPercent: newFloatFunc(prefix + "system_mem_used_percent"),
		DiskFreeBytes:        newIntFunc(prefix + "disk_free_bytes"),

		WriteLatencyHist:  newMapFunc(prefix + "write_latency_seconds"),
		ReadLatencyHist:   newMapFunc(prefix + "read_latency_seconds"),
		DeleteLatencyHist: newMapFunc(prefix + "delete_latency_seconds"),
		ScanLatencyHist:   newMapFunc(prefix + "scan_latency_seconds"),

		writeQuantiles: newQuantiles(),
		readQuantiles:  newQuantiles(),
	}

	for _, m := range []*expvar.Map{em.WriteLatencyHist, em.ReadLatencyHist, em.DeleteLatencyHist, em.ScanLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	if publishGlobally {
		publishExpvarFunc(prefix+"write_latency_quantiles", em.writeQuantiles.snapshot)
		publishExpvarFunc(prefix+"read_latency_quantiles", em.readQuantiles.snapshot)
	}
	return em
}

func (em *EngineMetrics) observeWrite(d time.Duration) {
	observeLatency(em.WriteLatencyHist, d.Seconds())
	em.writeQuantiles.add(d.Seconds())
}

func (em *EngineMetrics) observeRead(d time.Duration) {
	observeLatency(em.ReadLatencyHist, d.Seconds())
	em.readQuantiles.add(d.Seconds())
}

// WriteLatencyQuantile returns the q-quantile of write latency in seconds.
func (em *EngineMetrics) WriteLatencyQuantile(q float64) float64 { return em.writeQuantiles.quantile(q) }

// ReadLatencyQuantile returns the q-quantile of read latency in seconds.
func (em *EngineMetrics) ReadLatencyQuantile(q float64) float64 { return em.readQuantiles.quantile(q) }

// quantiles is a t-digest shared by concurrent operations.
type quantiles struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newQuantiles() *quantiles {
	td, err := tdigest.New()
	if err != nil {
		// only fails on invalid options
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &quantiles{td: td}
}

func (q *quantiles) add(v float64) {
	q.mu.Lock()
	q.td.Add(v)
	q.mu.Unlock()
}

func (q *quantiles) quantile(p float64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.td.Count() == 0 {
		return 0
	}
	return q.td.Quantile(p)
}

func (q *quantiles) snapshot() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]float64{"count": float64(q.td.Count())}
	if q.td.Count() > 0 {
		out["p50"] = q.td.Quantile(0.5)
		out["p99"] = q.td.Quantile(0.99)
	}
	return out
}
