package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "walletai_rpc_requests_total", Help: "Solana RPC attempts by endpoint and outcome"},
		[]string{"endpoint", "outcome"},
	)
	RPCLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "walletai_rpc_latency_seconds", Help: "Solana RPC attempt latency", Buckets: prometheus.DefBuckets},
		[]string{"endpoint"},
	)
	RPCPoolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "walletai_rpc_pool_exhausted_total", Help: "Endpoint picks made while every endpoint was rate limited"},
	)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "walletai_intents_total", Help: "Parsed chat turns by resulting action and parser tier"},
		[]string{"action", "tier"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "walletai_executions_total", Help: "Swap and transfer executions by outcome"},
		[]string{"kind", "outcome"},
	)
	HistoryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "walletai_history_dropped_total", Help: "Transactions dropped from history because they failed or could not be parsed"},
	)
	UpstreamFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "walletai_upstream_fallback_total", Help: "Responses served from a stale cache after an upstream error"},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequestsTotal,
		RPCLatencySeconds,
		RPCPoolExhaustedTotal,
		IntentsTotal,
		ExecutionsTotal,
		HistoryDroppedTotal,
		UpstreamFallbackTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
