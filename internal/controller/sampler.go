package controller

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// HealthSample is one point-in-time read of the signals the hysteresis
// latches evaluate.
type HealthSample struct {
	MemPct         float64
	LoadPerCpu     float64
	ActiveSessions int
}

// SampleFunc produces a HealthSample. Tests substitute a fixed or scripted
// function in place of defaultSample to drive mitigation deterministically.
type SampleFunc func() HealthSample

// defaultSample reads process heap occupancy from the runtime and 1-minute
// system load from /proc/loadavg, normalised by core count. activeSessions
// is supplied by the caller (the Engine) rather than sampled here, keeping
// this function free of an Engine dependency.
func defaultSample(activeSessions func() int) HealthSample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	memPct := 0.0
	if mem.HeapSys > 0 {
		memPct = float64(mem.HeapInuse) / float64(mem.HeapSys)
	}

	cpus := runtime.NumCPU()
	loadPerCpu := 0.0
	if load, ok := readLoadAverage1m(); ok && cpus > 0 {
		loadPerCpu = load / float64(cpus)
	}

	sessions := 0
	if activeSessions != nil {
		sessions = activeSessions()
	}

	return HealthSample{MemPct: memPct, LoadPerCpu: loadPerCpu, ActiveSessions: sessions}
}

// readLoadAverage1m parses the first field of /proc/loadavg. There is no
// portable stdlib equivalent and nothing in the dependency pack wraps this
// (see the controller entry in the grounding ledger); platforms without the
// file (non-Linux) report ok=false and the CPU latch never trips from load.
func readLoadAverage1m() (float64, bool) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}
