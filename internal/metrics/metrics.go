package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabtrack_sessions_opened_total",
			Help: "Total sessions opened",
		},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtrack_sessions_closed_total",
			Help: "Total sessions closed and queued for delivery",
		},
		[]string{"reason"},
	)

	SessionsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtrack_sessions_discarded_total",
			Help: "Sessions or snapshots discarded for being shorter than the minimum duration",
		},
		[]string{"reason"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabtrack_session_duration_seconds",
			Help:    "Duration of closed sessions in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	// Delivery metrics
	EventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabtrack_events_delivered_total",
			Help: "Total telemetry events accepted by the collector",
		},
	)

	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtrack_delivery_failures_total",
			Help: "Delivery attempts diverted to the offline buffer",
		},
		[]string{"reason"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabtrack_delivery_duration_seconds",
			Help:    "Telemetry delivery request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Buffer metrics
	BufferedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabtrack_buffered_events",
			Help: "Number of events waiting in the offline buffer",
		},
	)

	// Initialization metrics
	RetryAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabtrack_retry_attempts",
			Help: "Current initialization retry attempt counter",
		},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtrack_handshakes_total",
			Help: "Handshake attempts by result",
		},
		[]string{"result"},
	)

	// Native messaging metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtrack_messages_total",
			Help: "Native messaging frames by direction and type",
		},
		[]string{"direction", "type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsOpened,
		SessionsClosed,
		SessionsDiscarded,
		SessionDuration,
		EventsDelivered,
		DeliveryFailures,
		DeliveryDuration,
		BufferedEvents,
		RetryAttempts,
		HandshakesTotal,
		MessagesTotal,
	)
}

// Server serves /metrics and /health.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Addr returns the address the server is bound to once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start binds the listener, unless one was provided, and serves in the
// background. Bind errors are returned.
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	}

	s.logger.Info().Str("addr", s.Addr()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight scrapes.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
