package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ReplicationSlaveAckOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replication_slave_ack_offset",
		Help: "Highest physical offset acknowledged by followers",
	})

	ReplicationLagBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replication_lag_bytes",
		Help: "Gap between the local max offset and the follower ack offset",
	})

	ReplicationSlaveNotAvailable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replication_slave_not_available_total",
		Help: "Puts rejected because no follower was close enough to accept them",
	})

	ReplicationTransferTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replication_transfer_total",
		Help: "Log chunks shipped to followers",
	})
)
