// Package telemetry provides write-only metrics emission for the runtime.
//
// The package-level functions cover the common cases: Counter for event
// counts, Gauge for current values, Histogram for distributions, Duration
// for elapsed-time recording. Emission goes to a pluggable Sink; until one
// is installed every call is a cheap no-op, so components emit
// unconditionally and collection remains an external concern.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Sink receives metric observations. Implementations must be safe for
// concurrent use and must never block the caller for long.
type Sink interface {
	Count(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	Observe(name string, value float64, labels map[string]string)
}

var globalSink atomic.Pointer[sinkHolder]

type sinkHolder struct {
	sink Sink
}

// SetSink installs the global metrics sink. Passing nil restores the no-op
// behavior. Typically called once during runtime initialization.
func SetSink(s Sink) {
	if s == nil {
		globalSink.Store(nil)
		return
	}
	globalSink.Store(&sinkHolder{sink: s})
}

func current() Sink {
	h := globalSink.Load()
	if h == nil {
		return nil
	}
	return h.sink
}

// Counter increments a counter by 1.
// Labels are key-value pairs: Counter("tasks_submitted_total", "agent", id).
func Counter(name string, labels ...string) {
	CounterAdd(name, 1, labels...)
}

// CounterAdd increments a counter by value.
func CounterAdd(name string, value float64, labels ...string) {
	if s := current(); s != nil {
		s.Count(name, value, labelMap(labels))
	}
}

// Gauge sets a gauge to value.
func Gauge(name string, value float64, labels ...string) {
	if s := current(); s != nil {
		s.SetGauge(name, value, labelMap(labels))
	}
}

// Histogram records a value in a distribution.
func Histogram(name string, value float64, labels ...string) {
	if s := current(); s != nil {
		s.Observe(name, value, labelMap(labels))
	}
}

// Duration records elapsed milliseconds since start.
// Intended for defer: defer telemetry.Duration("task_latency_ms", start, ...).
func Duration(name string, start time.Time, labels ...string) {
	Histogram(name, float64(time.Since(start).Milliseconds()), labels...)
}

// labelMap converts variadic key-value pairs into a map, dropping a
// trailing unpaired key.
func labelMap(labels []string) map[string]string {
	if len(labels) < 2 {
		return nil
	}
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}
