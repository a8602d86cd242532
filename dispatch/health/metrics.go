package health

import (
	"context"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/otelmetric"
)

// MetricSnapshot is the aggregate view of one named metric over its
// retention window.
type MetricSnapshot struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
}

type sample struct {
	at    time.Time
	value float64
}

type metricSeries struct {
	name    string
	count   int64
	sum     float64
	min     float64
	max     float64
	samples []sample
	tags    map[string]string
}

// metricStore keeps windowed series. Aggregates are maintained
// incrementally on record and recomputed from the remaining window when
// expired samples are pruned.
type metricStore struct {
	mu        sync.Mutex
	series    map[string]*metricSeries
	retention time.Duration
	factory   *otelmetric.Factory
	now       func() time.Time
}

func newMetricStore(retention time.Duration, factory *otelmetric.Factory) *metricStore {
	return &metricStore{
		series:    make(map[string]*metricSeries),
		retention: retention,
		factory:   factory,
		now:       time.Now,
	}
}

// record appends a sample and updates the running aggregates. When an
// OpenTelemetry factory is attached the sample is mirrored to a histogram.
func (s *metricStore) record(name string, value float64, tags map[string]string) {
	s.mu.Lock()

	series, exists := s.series[name]
	if !exists {
		series = &metricSeries{name: name, min: math.Inf(1), max: math.Inf(-1)}
		s.series[name] = series
	}

	series.count++
	series.sum += value
	series.min = math.Min(series.min, value)
	series.max = math.Max(series.max, value)
	series.samples = append(series.samples, sample{at: s.now(), value: value})

	if len(tags) > 0 {
		if series.tags == nil {
			series.tags = make(map[string]string, len(tags))
		}

		maps.Copy(series.tags, tags)
	}

	labels := series.tags
	s.mu.Unlock()

	if s.factory != nil {
		builder := s.factory.Histogram(otelmetric.Instrument{Name: name, Unit: "1"})
		if len(labels) > 0 {
			builder = builder.WithLabels(labels)
		}

		// Recording failures are invisible to callers; the in-memory store
		// remains the source of truth.
		_ = builder.Record(context.Background(), value)
	}
}

// snapshot returns the aggregate view of one metric.
func (s *metricStore) snapshot(name string) (MetricSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, exists := s.series[name]
	if !exists || series.count == 0 {
		return MetricSnapshot{}, false
	}

	return MetricSnapshot{
		Name:  series.name,
		Count: series.count,
		Sum:   series.sum,
		Min:   series.min,
		Max:   series.max,
		Avg:   series.sum / float64(series.count),
	}, true
}

// snapshotAll returns all metric aggregates keyed by name.
func (s *metricStore) snapshotAll() map[string]MetricSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]MetricSnapshot, len(s.series))

	for name, series := range s.series {
		if series.count == 0 {
			continue
		}

		out[name] = MetricSnapshot{
			Name:  series.name,
			Count: series.count,
			Sum:   series.sum,
			Min:   series.min,
			Max:   series.max,
			Avg:   series.sum / float64(series.count),
		}
	}

	return out
}

// prune drops samples older than the retention period and recomputes the
// aggregates from the window that remains.
func (s *metricStore) prune() {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, series := range s.series {
		kept := series.samples[:0]
		for _, smp := range series.samples {
			if smp.at.After(cutoff) {
				kept = append(kept, smp)
			}
		}

		series.samples = kept

		if len(kept) == 0 {
			delete(s.series, name)
			continue
		}

		series.count = int64(len(kept))
		series.sum = 0
		series.min = math.Inf(1)
		series.max = math.Inf(-1)

		for _, smp := range kept {
			series.sum += smp.value
			series.min = math.Min(series.min, smp.value)
			series.max = math.Max(series.max, smp.value)
		}
	}
}
