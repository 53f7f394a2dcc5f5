// Package telemetry wires up the engine's go-metrics sink. Every
// registry (cpuinfo, procinfo, coordinator) emits counters directly
// through the global metrics.IncrCounter, an "inject nothing, call the
// package-level API once configured" pattern; this package is just the
// one place that configures where those counters go.
package telemetry

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

const serviceName = "dlb"

// Config controls how metrics are sampled and retained.
type Config struct {
	// ServiceName prefixes every emitted metric, e.g.
	// "dlb.cpuinfo.register". Defaults to "dlb".
	ServiceName string
	// RetainDuration is how long the in-memory sink keeps samples
	// before evicting them. Defaults to one minute.
	RetainDuration time.Duration
}

// Setup installs an in-memory metrics sink as the process-wide go-metrics
// global and returns it so callers (an admin tool, a /metrics endpoint)
// can read back what has been recorded. Safe to call at most once per
// process, same constraint go-metrics itself imposes on NewGlobal.
func Setup(cfg Config) (*metrics.InmemSink, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	if cfg.RetainDuration == 0 {
		cfg.RetainDuration = time.Minute
	}

	sink := metrics.NewInmemSink(10*time.Second, cfg.RetainDuration)
	mcfg := metrics.DefaultConfig(cfg.ServiceName)
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}
