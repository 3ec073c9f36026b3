package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_heartbeats_total",
			Help: "Total heartbeats validated, by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatDrift = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "focusd_heartbeat_drift_seconds",
			Help:    "Absolute drift between server and client elapsed time",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	DriftFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_drift_flags_total",
			Help: "Heartbeats flagged suspicious, by policy reason",
		},
		[]string{"reason"},
	)

	PolicyFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_policy_fallbacks_total",
			Help: "Anomaly policy evaluations that fell back to the threshold check",
		},
	)

	// Session lifecycle metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_sessions_started_total",
			Help: "Total focus sessions started",
		},
	)

	SessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_sessions_completed_total",
			Help: "Total focus sessions completed",
		},
	)

	SessionsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_sessions_cancelled_total",
			Help: "Total focus sessions cancelled",
		},
	)

	// Streak metrics
	StreakUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_streak_updates_total",
			Help: "Streak reconciliations, by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_reconcile_failures_total",
			Help: "Streak reconciliations that failed after a completion and were left for retry",
		},
	)

	PendingStreaks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "focusd_pending_streaks",
			Help: "Completed sessions awaiting streak application",
		},
	)

	// Storage metrics
	StoreConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_store_conflicts_total",
			Help: "Optimistic concurrency conflicts, by record kind",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		HeartbeatsTotal,
		HeartbeatDrift,
		DriftFlagsTotal,
		PolicyFallbacksTotal,
		SessionsStarted,
		SessionsCompleted,
		SessionsCancelled,
		StreakUpdatesTotal,
		ReconcileFailures,
		PendingStreaks,
		StoreConflicts,
	)
}

// Server is the metrics HTTP server
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
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
