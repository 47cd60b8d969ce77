package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ScanSummary is one entry of the /scans listing.
type ScanSummary struct {
	ScanID     string         `json:"scan_id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Outcome    string         `json:"outcome"`
	Findings   int            `json:"findings"`
	Kinds      map[string]int `json:"kinds,omitempty"`
	Suppressed int            `json:"suppressed"`
	Remediated int            `json:"remediated"`
	Failed     int            `json:"failed"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Server serves /healthz, /readyz, /scans and /metrics.
type Server struct {
	addr    string
	metrics *Metrics
	ready   atomic.Bool
	scans   atomic.Pointer[func() []ScanSummary]
}

// NewServer returns a server bound to addr once Serve is called.
func NewServer(addr string, m *Metrics) *Server {
	return &Server{addr: addr, metrics: m}
}

// SetReady flips the readiness probe. The reconciler marks itself ready after
// its first completed cycle.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetScanSource installs the function /scans lists, newest first.
func (s *Server) SetScanSource(fn func() []ScanSummary) {
	s.scans.Store(&fn)
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.HandleFunc("/scans", func(w http.ResponseWriter, _ *http.Request) {
		scans := []ScanSummary{}
		if fn := s.scans.Load(); fn != nil {
			if recent := (*fn)(); recent != nil {
				scans = recent
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scans); err != nil {
			log.Warn().Err(err).Msg("Failed to write scan summaries")
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown error")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
