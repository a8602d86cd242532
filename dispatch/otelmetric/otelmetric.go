// Package otelmetric provides a fluent factory for OpenTelemetry metric
// instruments. The factory caches instruments by name and exposes
// builder-style APIs for counters and histograms with low-overhead
// attribute composition.
package otelmetric

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilCounter is returned when a counter builder has no instrument.
	ErrNilCounter = errors.New("counter instrument is nil")
	// ErrNilHistogram is returned when a histogram builder has no instrument.
	ErrNilHistogram = errors.New("histogram instrument is nil")
)

// Instrument describes one metric instrument.
type Instrument struct {
	Name        string
	Unit        string
	Description string
}

// Factory creates and caches OpenTelemetry instruments for the dispatch
// components. A nil Factory is safe to use: all recordings become no-ops.
type Factory struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewFactory creates a factory on the global meter provider under the given
// instrumentation scope.
func NewFactory(scope string) *Factory {
	return NewFactoryWithMeter(otel.GetMeterProvider().Meter(scope))
}

// NewFactoryWithMeter creates a factory on an explicit meter, useful for
// tests with an SDK-backed manual reader.
func NewFactoryWithMeter(meter metric.Meter) *Factory {
	return &Factory{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter returns a builder for the named counter, creating and caching the
// instrument on first use.
func (f *Factory) Counter(inst Instrument) *CounterBuilder {
	if f == nil {
		return &CounterBuilder{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	counter, exists := f.counters[inst.Name]
	if !exists {
		created, err := f.meter.Int64Counter(inst.Name,
			metric.WithUnit(inst.Unit),
			metric.WithDescription(inst.Description),
		)
		if err != nil {
			return &CounterBuilder{}
		}

		f.counters[inst.Name] = created
		counter = created
	}

	return &CounterBuilder{counter: counter}
}

// Histogram returns a builder for the named histogram, creating and caching
// the instrument on first use.
func (f *Factory) Histogram(inst Instrument) *HistogramBuilder {
	if f == nil {
		return &HistogramBuilder{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	histogram, exists := f.histograms[inst.Name]
	if !exists {
		created, err := f.meter.Float64Histogram(inst.Name,
			metric.WithUnit(inst.Unit),
			metric.WithDescription(inst.Description),
		)
		if err != nil {
			return &HistogramBuilder{}
		}

		f.histograms[inst.Name] = created
		histogram = created
	}

	return &HistogramBuilder{histogram: histogram}
}

// CounterBuilder provides a fluent API for recording counter increments with
// optional labels.
type CounterBuilder struct {
	counter metric.Int64Counter
	attrs   []attribute.KeyValue
}

// WithLabels adds labels to the counter recording.
func (c *CounterBuilder) WithLabels(labels map[string]string) *CounterBuilder {
	attrs := make([]attribute.KeyValue, 0, len(c.attrs)+len(labels))
	attrs = append(attrs, c.attrs...)

	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}

	return &CounterBuilder{counter: c.counter, attrs: attrs}
}

// Add records a counter increment.
func (c *CounterBuilder) Add(ctx context.Context, value int64) error {
	if c.counter == nil {
		return ErrNilCounter
	}

	c.counter.Add(ctx, value, metric.WithAttributes(c.attrs...))

	return nil
}

// AddOne increments the counter by one.
func (c *CounterBuilder) AddOne(ctx context.Context) error {
	return c.Add(ctx, 1)
}

// HistogramBuilder provides a fluent API for recording histogram samples
// with optional labels.
type HistogramBuilder struct {
	histogram metric.Float64Histogram
	attrs     []attribute.KeyValue
}

// WithLabels adds labels to the histogram recording.
func (h *HistogramBuilder) WithLabels(labels map[string]string) *HistogramBuilder {
	attrs := make([]attribute.KeyValue, 0, len(h.attrs)+len(labels))
	attrs = append(attrs, h.attrs...)

	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}

	return &HistogramBuilder{histogram: h.histogram, attrs: attrs}
}

// Record records one histogram sample.
func (h *HistogramBuilder) Record(ctx context.Context, value float64) error {
	if h.histogram == nil {
		return ErrNilHistogram
	}

	h.histogram.Record(ctx, value, metric.WithAttributes(h.attrs...))

	return nil
}

// SanitizeLabel bounds a label value so unexpected input cannot explode
// metric cardinality or inject control characters.
func SanitizeLabel(value string) string {
	const maxLabelLen = 64

	if len(value) > maxLabelLen {
		value = value[:maxLabelLen]
	}

	sanitized := make([]rune, 0, len(value))

	for _, r := range value {
		if r < ' ' {
			continue
		}

		sanitized = append(sanitized, r)
	}

	if len(sanitized) == 0 {
		return "unknown"
	}

	return string(sanitized)
}

// String describes the instrument for diagnostics.
func (i Instrument) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.Unit)
}
