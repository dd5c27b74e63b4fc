package engine

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// memoryPressureShrink is the share of cache entries dropped per check while
// memory use stays above the pressure threshold.
const memoryPressureShrink = 0.25

// ResourceProbe reads the system resources the engine guards against.
type ResourceProbe interface {
	MemoryUsedPercent() (float64, error)
	FreeDiskBytes(path string) (uint64, error)
}

// systemProbe reads the host through gopsutil.
type systemProbe struct{}

func (systemProbe) MemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (systemProbe) FreeDiskBytes(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return du.Free, nil
}

// checkResources samples memory and disk and updates the flags that make
// checkWritable refuse writes. Above the pressure threshold the cache is
// shrunk first. Probe failures leave the flags untouched.
func (e *Engine) checkResources() {
	probe := e.opts.ResourceProbe

	if e.opts.MemoryPressurePercent > 0 || e.opts.MemoryHardLimitPercent > 0 {
		used, err := probe.MemoryUsedPercent()
		if err != nil {
			e.logger.Warn("Could not read system memory usage", "error", err)
		} else {
			e.metrics.SystemMemUsedPercent.Set(used)
			if e.opts.MemoryPressurePercent > 0 && used >= e.opts.MemoryPressurePercent {
				evicted := e.cache.Shrink(memoryPressureShrink)
				e.logger.Warn("Memory pressure, shrinking cache", "used_percent", used, "evicted", evicted)
			}
			hard := e.opts.MemoryHardLimitPercent > 0 && used >= e.opts.MemoryHardLimitPercent
			if e.memoryHard.Swap(hard) != hard {
				if hard {
					e.logger.Error("Memory above hard limit, refusing writes", "used_percent", used, "limit", e.opts.MemoryHardLimitPercent)
				} else {
					e.logger.Info("Memory back below hard limit, accepting writes", "used_percent", used)
				}
			}
		}
	}

	if e.opts.MinFreeDiskBytes > 0 {
		free, err := probe.FreeDiskBytes(e.opts.DataDir)
		if err != nil {
			e.logger.Warn("Could not read free disk space", "path", e.opts.DataDir, "error", err)
			return
		}
		e.metrics.DiskFreeBytes.Set(int64(free))
		full := free < e.opts.MinFreeDiskBytes
		if e.diskFull.Swap(full) != full {
			if full {
				e.logger.Error("Free disk space below threshold, refusing writes", "free_bytes", free, "min_free_bytes", e.opts.MinFreeDiskBytes)
			} else {
				e.logger.Info("Free disk space recovered, accepting writes", "free_bytes", free)
			}
		}
	}
}
