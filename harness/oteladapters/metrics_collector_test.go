package oteladapters_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/oteladapters"
)

func newMeter() (metric.Meter, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return provider.Meter("test"), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var resourceMetrics metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &resourceMetrics))

	return resourceMetrics
}

func findMetric(t *testing.T, resourceMetrics metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()

	for _, scopeMetrics := range resourceMetrics.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				return m
			}
		}
	}

	t.Fatalf("metric %s not found", name)

	return metricdata.Metrics{}
}

func Test_MetricsCollector_RecordDuration(t *testing.T) {
	// setup
	meter, reader := newMeter()
	collector := oteladapters.NewMetricsCollector(meter)

	// act
	collector.RecordDuration("harness_query_duration_seconds", 150*time.Millisecond, map[string]string{"role": "replica"})
	collector.RecordDurationContext(context.Background(), "harness_query_duration_seconds", 50*time.Millisecond, map[string]string{"role": "replica"})

	// assert
	found := findMetric(t, collect(t, reader), "harness_query_duration_seconds")
	assert.Equal(t, "s", found.Unit)
	assert.Equal(t, "disconnect harness query duration", found.Description)

	histogram, ok := found.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, histogram.DataPoints, 1)
	assert.Equal(t, uint64(2), histogram.DataPoints[0].Count)
	assert.InDelta(t, 0.2, histogram.DataPoints[0].Sum, 0.001)

	expected := attribute.NewSet(attribute.String("role", "replica"))
	assert.True(t, histogram.DataPoints[0].Attributes.Equals(&expected))
}

func Test_MetricsCollector_IncrementCounter(t *testing.T) {
	// setup
	meter, reader := newMeter()
	collector := oteladapters.NewMetricsCollector(meter)
	labels := map[string]string{"classification": "ConnectionLost"}

	// act
	collector.IncrementCounter("harness_query_failures_total", labels)
	collector.IncrementCounterContext(context.Background(), "harness_query_failures_total", labels)
	collector.IncrementCounter("harness_query_failures_total", map[string]string{"classification": "Timeout"})

	// assert
	sum, ok := findMetric(t, collect(t, reader), "harness_query_failures_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.True(t, sum.IsMonotonic)
	require.Len(t, sum.DataPoints, 2)

	byClassification := map[string]int64{}
	for _, point := range sum.DataPoints {
		value, _ := point.Attributes.Value("classification")
		byClassification[value.AsString()] = point.Value
	}
	assert.Equal(t, map[string]int64{"ConnectionLost": 2, "Timeout": 1}, byClassification)
}

func Test_MetricsCollector_RecordValue(t *testing.T) {
	meter, reader := newMeter()
	collector := oteladapters.NewMetricsCollector(meter)

	collector.RecordValue("harness_pool_active_connections", 4, map[string]string{"role": "primary"})
	collector.RecordValueContext(context.Background(), "harness_pool_active_connections", 2, map[string]string{"role": "primary"})

	gauge, ok := findMetric(t, collect(t, reader), "harness_pool_active_connections").Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.InDelta(t, 2.0, gauge.DataPoints[0].Value, 0.0001)
}

func Test_MetricsCollector_Concurrent_Use(t *testing.T) {
	meter, reader := newMeter()
	collector := oteladapters.NewMetricsCollector(meter)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				collector.IncrementCounter("harness_query_attempts_total", nil)
				collector.RecordDuration("harness_query_acquire_duration_seconds", time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	sum, ok := findMetric(t, collect(t, reader), "harness_query_attempts_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(800), sum.DataPoints[0].Value)
}

type failingMeter struct {
	metric.Meter
}

func (m failingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return nil, errors.New("histogram creation failed")
}

func (m failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("counter creation failed")
}

func (m failingMeter) Float64Gauge(string, ...metric.Float64GaugeOption) (metric.Float64Gauge, error) {
	return nil, errors.New("gauge creation failed")
}

func Test_MetricsCollector_Instrument_Creation_Failure_Is_Ignored(t *testing.T) {
	meter, _ := newMeter()
	collector := oteladapters.NewMetricsCollector(failingMeter{Meter: meter})

	assert.NotPanics(t, func() {
		collector.RecordDuration("harness_query_duration_seconds", time.Second, nil)
		collector.IncrementCounter("harness_query_attempts_total", nil)
		collector.RecordValue("harness_pool_idle_connections", 1, nil)
	})
}
