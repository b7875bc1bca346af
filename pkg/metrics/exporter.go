package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(CommitLogAppendLatency, CommitLogFlushLatency, CommitLogGroupCommitQueueDepth,
		CommitLogRecoveryDuration, CommitLogTopicPuts, CommitLogBytesWritten)
	prometheus.MustRegister(ReplicationSlaveAckOffset, ReplicationLagBytes, ReplicationSlaveNotAvailable, ReplicationTransferTotal)
}

func StartMetricsServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		fmt.Println("[METRICS] Prometheus exporter listening on", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("[METRICS] Failed to start metrics server: %v\n", err)
		}
	}()
}
