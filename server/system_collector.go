package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemCollector periodically samples process-independent CPU usage and
// publishes it via expvar. Memory and disk are sampled by the engine's
// resource monitor.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	interval        time.Duration
	sample          func(window time.Duration) (float64, error)
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a collector that publishes under
// prefix+"system_cpu_usage_percent".
func NewSystemCollector(prefix string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.Default()
	}
	name := prefix + "system_cpu_usage_percent"
	v, ok := expvar.Get(name).(*expvar.Float)
	if !ok {
		v = expvar.NewFloat(name)
	}
	return &SystemCollector{
		cpuUsagePercent: v,
		interval:        interval,
		sample:          cpuPercent,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

func cpuPercent(window time.Duration) (float64, error) {
	pcts, err := cpu.Percent(window, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopChan) })
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// measured over half the interval so a sample never overlaps the next tick
	window := sc.interval / 2
	for {
		select {
		case <-ticker.C:
			pct, err := sc.sample(window)
			if err != nil {
				sc.logger.Debug("CPU sample failed", "error", err)
				continue
			}
			sc.cpuUsagePercent.Set(pct)
		case <-sc.stopChan:
			return
		}
	}
}
