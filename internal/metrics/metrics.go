// Package metrics exposes broker counters over /metrics: a fixed struct of
// prometheus/client_golang collectors, registered once at startup and served
// with promhttp.Handler.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat is the fixed set of broker-wide counters.
type Stat struct {
	ConnectedClients  prometheus.Gauge
	PublishesRouted   prometheus.Counter
	RetainedMessages  prometheus.Gauge
	MessagesQueued    prometheus.Counter
	MessagesDiscarded prometheus.Counter
}

// New builds an unregistered Stat.
func New() *Stat {
	return &Stat{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goqtt_connected_clients", Help: "Number of currently connected MQTT clients across all domains.",
		}),
		PublishesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goqtt_publishes_routed_total", Help: "Total number of PUBLISH packets routed to at least one subscriber.",
		}),
		RetainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goqtt_retained_messages", Help: "Number of retained messages currently held across all domains.",
		}),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goqtt_messages_queued_total", Help: "Total number of PUBLISH packets queued to storage for offline subscribers.",
		}),
		MessagesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goqtt_messages_discarded_total", Help: "Total number of PUBLISH packets discarded by an ACL decision or quota.",
		}),
	}
}

// Register adds every collector to the default registry. Safe to call once.
func (s *Stat) Register() {
	prometheus.MustRegister(
		s.ConnectedClients,
		s.PublishesRouted,
		s.RetainedMessages,
		s.MessagesQueued,
		s.MessagesDiscarded,
	)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a minimal HTTP server exposing /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
