// Package monitoring keeps the gateway's live counters: turns through
// the core pipeline, LLM subprocess calls, token consumption, and
// process health. One Monitor instance is shared by Core (writer) and
// the IPC surface (reader: /metrics and the websocket snapshot push).
package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Monitor is safe for concurrent use; every counter is atomic.
type Monitor struct {
	startedAt time.Time
	logger    *zap.Logger

	turnsTotal  atomic.Uint64
	turnsOK     atomic.Uint64
	turnsFailed atomic.Uint64
	modelCalls  atomic.Uint64
	tokensUsed  atomic.Uint64
	sessions    atomic.Int64
}

func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{startedAt: time.Now(), logger: logger}
}

func (m *Monitor) IncRequestTotal()   { m.turnsTotal.Add(1) }
func (m *Monitor) IncRequestSuccess() { m.turnsOK.Add(1) }
func (m *Monitor) IncRequestFailed()  { m.turnsFailed.Add(1) }
func (m *Monitor) IncModelCall()      { m.modelCalls.Add(1) }

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		m.tokensUsed.Add(uint64(n))
	}
}

// SetActiveSessions reports how many correspondent sessions are live.
func (m *Monitor) SetActiveSessions(n int64) { m.sessions.Store(n) }

// metric is one exported counter or gauge; the same table backs both
// the JSON snapshot and the Prometheus exposition so the two surfaces
// cannot drift apart. volatile gauges (uptime, runtime stats) are
// Prometheus-only: keeping them out of Snapshot lets the websocket
// push skip genuinely unchanged snapshots.
type metric struct {
	name     string
	help     string
	gauge    bool
	volatile bool
	value    func(m *Monitor) float64
}

var metricTable = []metric{
	{"kestrel_turns_total", "Turns admitted through the core pipeline", false, false,
		func(m *Monitor) float64 { return float64(m.turnsTotal.Load()) }},
	{"kestrel_turns_ok_total", "Turns that produced a reply", false, false,
		func(m *Monitor) float64 { return float64(m.turnsOK.Load()) }},
	{"kestrel_turns_failed_total", "Turns that errored", false, false,
		func(m *Monitor) float64 { return float64(m.turnsFailed.Load()) }},
	{"kestrel_model_calls_total", "LLM CLI subprocess calls", false, false,
		func(m *Monitor) float64 { return float64(m.modelCalls.Load()) }},
	{"kestrel_tokens_used_total", "Input+output tokens across all calls", false, false,
		func(m *Monitor) float64 { return float64(m.tokensUsed.Load()) }},
	{"kestrel_active_sessions", "Live correspondent sessions", true, false,
		func(m *Monitor) float64 { return float64(m.sessions.Load()) }},
	{"kestrel_uptime_seconds", "Process uptime", true, true,
		func(m *Monitor) float64 { return time.Since(m.startedAt).Seconds() }},
	{"kestrel_goroutines", "Runtime goroutine count", true, true,
		func(m *Monitor) float64 { return float64(runtime.NumGoroutine()) }},
	{"kestrel_memory_alloc_bytes", "Heap bytes currently allocated", true, true,
		func(m *Monitor) float64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return float64(ms.Alloc)
		}},
}

// Snapshot renders the non-volatile metrics as a flat map for the
// websocket push and the /status body. An unchanged system produces
// an identical map, which the push hub uses to skip the frame.
func (m *Monitor) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(metricTable))
	for _, mt := range metricTable {
		if mt.volatile {
			continue
		}
		out[mt.name] = mt.value(m)
	}
	return out
}

// PrometheusHandler serves the same table in Prometheus text
// exposition format, without pulling in client_golang.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, mt := range metricTable {
			typ := "counter"
			if mt.gauge {
				typ = "gauge"
			}
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", mt.name, mt.help, mt.name, typ)
			v := mt.value(m)
			if v == float64(int64(v)) {
				fmt.Fprintf(w, "%s %d\n", mt.name, int64(v))
			} else {
				fmt.Fprintf(w, "%s %f\n", mt.name, v)
			}
		}
	})
}
