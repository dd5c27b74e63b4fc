package engine

import (
	"expvar"
	"fmt"
)

// latencyBuckets are the upper bounds, in seconds, of the cumulative latency histograms.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0}

// observeLatency adds one observation to a histogram map created by NewEngineMetrics.
func observeLatency(hist *expvar.Map, seconds float64) {
	if hist == nil {
		return
	}
	addInt := func(name string) {
		if v, ok := hist.Get(name).(*expvar.Int); ok {
			v.Add(1)
		}
	}
	addInt("count")
	if sum, ok := hist.Get("sum").(*expvar.Float); ok {
		sum.Add(seconds)
	}
	for _, b := range latencyBuckets {
		if seconds <= b {
			addInt(fmt.Sprintf("le_%.3f", b))
		}
	}
	addInt("le_inf")
}

// publishVar returns the global variable called name, creating it with
// create when absent and resetting it with reset when it exists. An
// existing variable of another type panics, as expvar.Publish would.
func publishVar[T expvar.Var](name string, create func(string) T, reset func(T)) T {
	v := expvar.Get(name)
	if v == nil {
		return create(name)
	}
	existing, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("expvar: %s already published as %T", name, v))
	}
	if reset != nil {
		reset(existing)
	}
	return existing
}

func publishExpvarInt(name string) *expvar.Int {
	return publishVar(name, expvar.NewInt, func(v *expvar.Int) { v.Set(0) })
}

func publishExpvarFloat(name string) *expvar.Float {
	return publishVar(name, expvar.NewFloat, func(v *expvar.Float) { v.Set(0) })
}

// publishExpvarMap keeps the existing map; NewEngineMetrics resets its members.
func publishExpvarMap(name string) *expvar.Map {
	return publishVar(name, expvar.NewMap, nil)
}

// publishExpvarFunc publishes f once; a second engine with the same prefix keeps the first.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}
