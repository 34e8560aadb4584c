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
	MessagesReceived  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	HistoryFetches    prometheus.Counter
	HistoryFailures   prometheus.Counter
	Reconnects        prometheus.Counter

	// Histograms (seconds)
	JoinDuration prometheus.Observer

	// Gauges
	ViewerCountGauge prometheus.Gauge
	SessionLiveGauge prometheus.Gauge // 1=transport up, 0=down
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_received_total", Help: "Live chat messages received over the push channel"})
		MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_duplicate_total", Help: "Messages suppressed by id-based dedup"})
		HistoryFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_history_fetches_total", Help: "History snapshot fetches that succeeded"})
		HistoryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_history_failures_total", Help: "History snapshot fetches that failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Push channel reconnect attempts"})
		JoinDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_join_duration_seconds", Help: "Time from join request to acknowledgment", Buckets: prometheus.DefBuckets})
		ViewerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_viewer_count", Help: "Latest known viewer count for the active source"})
		SessionLiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_session_live", Help: "Push transport established=1, down=0"})
	})
}

// The helpers below tolerate an uninitialized registry so library code can
// run under test without Init.

// IncMessageReceived counts one live message delivery.
func IncMessageReceived() {
	if MessagesReceived != nil {
		MessagesReceived.Inc()
	}
}

// IncMessageDuplicate counts one dedup suppression.
func IncMessageDuplicate() {
	if MessagesDuplicate != nil {
		MessagesDuplicate.Inc()
	}
}

// IncHistoryFetch counts one successful snapshot fetch.
func IncHistoryFetch() {
	if HistoryFetches != nil {
		HistoryFetches.Inc()
	}
}

// IncHistoryFailure counts one failed snapshot fetch.
func IncHistoryFailure() {
	if HistoryFailures != nil {
		HistoryFailures.Inc()
	}
}

// IncReconnect counts one reconnect attempt.
func IncReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// ObserveJoinDuration records how long a join waited for its ack.
func ObserveJoinDuration(d time.Duration) {
	if JoinDuration != nil {
		JoinDuration.Observe(d.Seconds())
	}
}

// SetViewerCount records the latest presence count.
func SetViewerCount(n int) {
	if ViewerCountGauge != nil {
		ViewerCountGauge.Set(float64(n))
	}
}

// SetSessionLive sets the transport gauge to 1 if up else 0.
func SetSessionLive(up bool) {
	if SessionLiveGauge != nil {
		if up {
			SessionLiveGauge.Set(1)
		} else {
			SessionLiveGauge.Set(0)
		}
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
