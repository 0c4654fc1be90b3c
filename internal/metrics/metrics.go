// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Name:      "sessions_active",
		Help:      "Current number of live sessions, provisional ones included",
	})

	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "messages_relayed_total",
		Help:      "Total chat messages relayed to peers",
	}, []string{"transport"})

	Retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "reliable",
		Name:      "retransmissions_total",
		Help:      "Total retransmissions performed by the sweep",
	})

	AbandonedSends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "reliable",
		Name:      "abandoned_sends_total",
		Help:      "Total reliable sends abandoned after retry exhaustion",
	})

	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "reliable",
		Name:      "duplicates_suppressed_total",
		Help:      "Total inbound reliable envelopes dropped as duplicates",
	})

	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "decode_failures_total",
		Help:      "Total inbound frames discarded as undecodable",
	}, []string{"transport"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ActiveSessions)
		prometheus.MustRegister(MessagesRelayed)
		prometheus.MustRegister(Retransmissions)
		prometheus.MustRegister(AbandonedSends)
		prometheus.MustRegister(DuplicatesSuppressed)
		prometheus.MustRegister(DecodeFailures)
	})
}
