// Package metrics exposes Prometheus instrumentation for the encryption
// core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	MessagesEncrypted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_messages_encrypted_total",
			Help: "Total number of messages encrypted",
		},
		[]string{"user_id"},
	)

	MessagesDecrypted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_messages_decrypted_total",
			Help: "Total number of messages decrypted",
		},
		[]string{"user_id"},
	)

	DecryptFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_decrypt_failures_total",
			Help: "Total number of decrypt failures by kind",
		},
		[]string{"user_id", "kind"}, // aead, skipped_limit, invalid_header, identity, session
	)

	// Session metrics
	SessionsEstablished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_sessions_established_total",
			Help: "Total number of sessions established by role",
		},
		[]string{"user_id", "role"}, // initiator, responder
	)

	SkippedKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "securechat_skipped_message_keys",
			Help: "Current size of the skipped message key table per peer",
		},
		[]string{"user_id", "peer_id"},
	)

	// Prekey metrics
	PreKeysGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_prekeys_generated_total",
			Help: "Total number of one-time prekeys generated",
		},
		[]string{"user_id"},
	)

	PreKeysUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_prekeys_uploaded_total",
			Help: "Total number of one-time prekeys uploaded",
		},
		[]string{"user_id"},
	)

	SignedPreKeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_signed_prekey_rotations_total",
			Help: "Total number of signed prekey rotations",
		},
		[]string{"user_id"},
	)

	ReplenishRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_replenish_runs_total",
			Help: "Total number of replenishment loop runs",
		},
		[]string{"user_id", "result"}, // ok, error
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
