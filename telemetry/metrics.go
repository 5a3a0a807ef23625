// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PartyMessages      *prometheus.CounterVec // origin
	RelayForwards      *prometheus.CounterVec // result
	BridgeConnects     *prometheus.CounterVec // endpoint, result
	BridgeDropped      *prometheus.CounterVec // reason
	Tickets            *prometheus.CounterVec // status
	CooldownRejections prometheus.Counter
	LivePollErrors     prometheus.Counter
	ArchiveUploads     *prometheus.CounterVec // result

	// Histograms (seconds)
	LivePollDuration prometheus.Observer
	ArchiveDuration  prometheus.Observer

	// Gauges
	PartiesActive       prometheus.Gauge
	BridgeSubscriptions prometheus.Gauge
	SocketConnections   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PartyMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_party_messages_total", Help: "Chat messages appended to parties"}, []string{"origin"})
		RelayForwards = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_relay_forward_total", Help: "Audience messages forwarded to platform chat"}, []string{"result"})
		BridgeConnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_bridge_connect_total", Help: "Chat bridge connection attempts"}, []string{"endpoint", "result"})
		BridgeDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_bridge_dropped_total", Help: "Inbound platform frames dropped"}, []string{"reason"})
		Tickets = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_tickets_total", Help: "Relay tickets by resulting status"}, []string{"status"})
		CooldownRejections = promauto.NewCounter(prometheus.CounterOpts{Name: "watchparty_cooldown_rejections_total", Help: "Relay sends rejected by an active cooldown"})
		LivePollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "watchparty_live_poll_errors_total", Help: "Live status lookups that failed"})
		ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watchparty_archive_uploads_total", Help: "Party transcript uploads"}, []string{"result"})
		LivePollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "watchparty_live_poll_duration_seconds", Help: "Duration of one live poll cycle", Buckets: prometheus.DefBuckets})
		ArchiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "watchparty_archive_duration_seconds", Help: "Transcript upload duration seconds", Buckets: prometheus.DefBuckets})
		PartiesActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "watchparty_parties_active", Help: "Parties currently open"})
		BridgeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Name: "watchparty_bridge_subscriptions", Help: "Chat bridge subscriptions in Subscribed state"})
		SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "watchparty_socket_connections", Help: "Open audience socket connections"})
	})
}

// Helpers below are no-ops until Init has run, so packages can record
// metrics unconditionally (tests never call Init).

func incVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

func addGauge(g prometheus.Gauge, d float64) {
	if g != nil {
		g.Add(d)
	}
}

// PartyMessage counts a message appended with the given origin.
func PartyMessage(origin string) { incVec(PartyMessages, origin) }

// RelayForward counts a forward attempt ("ok" or "error").
func RelayForward(result string) { incVec(RelayForwards, result) }

// BridgeConnect counts a connection attempt against an endpoint.
func BridgeConnect(endpoint, result string) { incVec(BridgeConnects, endpoint, result) }

// BridgeDrop counts an inbound frame dropped for reason.
func BridgeDrop(reason string) { incVec(BridgeDropped, reason) }

// Ticket counts a ticket reaching status.
func Ticket(status string) { incVec(Tickets, status) }

// ArchiveUpload counts a transcript upload result.
func ArchiveUpload(result string) { incVec(ArchiveUploads, result) }

// CooldownRejected counts a send blocked by a cooldown.
func CooldownRejected() {
	if CooldownRejections != nil {
		CooldownRejections.Inc()
	}
}

// LivePollFailed counts a failed live status lookup.
func LivePollFailed() {
	if LivePollErrors != nil {
		LivePollErrors.Inc()
	}
}

// AddParties adjusts the open party gauge.
func AddParties(d int) { addGauge(PartiesActive, float64(d)) }

// AddSubscriptions adjusts the subscribed bridge gauge.
func AddSubscriptions(d int) { addGauge(BridgeSubscriptions, float64(d)) }

// AddSockets adjusts the open socket gauge.
func AddSockets(d int) { addGauge(SocketConnections, float64(d)) }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
