package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	registry *prometheus.Registry

	EventsReceived    prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	RepliesPublished  prometheus.Counter
	RepliesSuppressed prometheus.Counter
	PublishFailures   prometheus.Counter
	Reconnects        prometheus.Counter
	CommandsHandled   *prometheus.CounterVec
	LastReply         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_events_received_total",
			Help: "Inbound events drained from the relay session.",
		}),
		DuplicatesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_duplicates_skipped_total",
			Help: "Inbound events skipped because their id was recently processed.",
		}),
		RepliesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_replies_published_total",
			Help: "Replies accepted by at least one relay.",
		}),
		RepliesSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_replies_suppressed_total",
			Help: "Replies dropped because generation produced nothing.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_publish_failures_total",
			Help: "Events no relay accepted.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrchan_reconnects_total",
			Help: "Full relay reconnects caused by silence.",
		}),
		CommandsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrchan_commands_handled_total",
			Help: "Administrative commands executed.",
		}, []string{"command"}),
		LastReply: f.NewGauge(prometheus.GaugeOpts{
			Name: "nostrchan_last_reply_timestamp_seconds",
			Help: "Unix time of the last published reply.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
