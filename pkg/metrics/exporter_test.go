package metrics_test

import (
	"testing"

	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	_ = h.Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestCommitLogCollectors(t *testing.T) {
	initialBytes := getCounterValue(metrics.CommitLogBytesWritten)
	initialAppends := getHistogramCount(metrics.CommitLogAppendLatency)

	metrics.CommitLogBytesWritten.Add(128)
	metrics.CommitLogAppendLatency.Observe(0.002)
	metrics.CommitLogAppendLatency.Observe(0.004)

	if got := getCounterValue(metrics.CommitLogBytesWritten); got != initialBytes+128 {
		t.Fatalf("CommitLogBytesWritten expected %v, got %v", initialBytes+128, got)
	}
	if got := getHistogramCount(metrics.CommitLogAppendLatency); got != initialAppends+2 {
		t.Fatalf("CommitLogAppendLatency count expected %v, got %v", initialAppends+2, got)
	}
}

func TestTopicPutsLabels(t *testing.T) {
	metrics.CommitLogTopicPuts.WithLabelValues("orders").Inc()
	metrics.CommitLogTopicPuts.WithLabelValues("orders").Inc()

	c := metrics.CommitLogTopicPuts.WithLabelValues("orders")
	if got := getCounterValue(c); got < 2 {
		t.Fatalf("topic counter expected at least 2, got %v", got)
	}
}
