package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelSink implements Sink on top of an OpenTelemetry Meter. Instruments
// are created lazily and cached per metric name. Exporter and reader wiring
// is the embedder's concern; tests use the SDK's manual reader.
type OTelSink struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTelSink creates a sink recording through the given meter.
func NewOTelSink(meter metric.Meter) *OTelSink {
	return &OTelSink{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (s *OTelSink) Count(name string, value float64, labels map[string]string) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if c, ok = s.counters[name]; !ok {
			var err error
			c, err = s.meter.Float64Counter(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.counters[name] = c
		}
		s.mu.Unlock()
	}
	c.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (s *OTelSink) SetGauge(name string, value float64, labels map[string]string) {
	s.mu.RLock()
	g, ok := s.gauges[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if g, ok = s.gauges[name]; !ok {
			var err error
			g, err = s.meter.Float64Gauge(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.gauges[name] = g
		}
		s.mu.Unlock()
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (s *OTelSink) Observe(name string, value float64, labels map[string]string) {
	s.mu.RLock()
	h, ok := s.histograms[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if h, ok = s.histograms[name]; !ok {
			var err error
			h, err = s.meter.Float64Histogram(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.histograms[name] = h
		}
		s.mu.Unlock()
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
