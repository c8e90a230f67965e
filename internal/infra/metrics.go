package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HandshakeCounter はハンドシェイクの結果を数える。
	HandshakeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_key_handshakes_total",
			Help: "Number of key-establishment steps by flow and result.",
		},
		[]string{"flow", "result"},
	)

	// EnvelopeCounter は保護ルートでのエンベロープ処理の結果を数える。
	EnvelopeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_key_envelopes_total",
			Help: "Number of enveloped requests by namespace and result.",
		},
		[]string{"namespace", "result"},
	)

	// CryptoLatency は暗号処理の所要時間。
	CryptoLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_key_crypto_seconds",
			Help:    "Latency of CPU-bound key operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)
)

// ObserveCrypto は operation の計測を開始し、終了時に呼ぶ関数を返す。
func ObserveCrypto(operation string) func() {
	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		CryptoLatency.WithLabelValues(operation).Observe(v)
	}))
	return func() { timer.ObserveDuration() }
}

// MetricsHandler は /metrics 用のハンドラを返す。
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
