package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-deepmap/internal/trainer"
)

var statusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "deepmap_status_requests_total",
	Help: "Status requests by encoding",
}, []string{"encoding"})

var tracer = otel.Tracer("deepmap-server")

type ProgressSource interface {
	Progress() trainer.Progress
}

// Server exposes metrics and the progress of a training run over HTTP.
type Server struct {
	source ProgressSource
}

func NewServer(source ProgressSource) *Server {
	return &Server{source: source}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus answers with JSON, or CBOR when the client accepts it.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleStatus")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := s.source.Progress()
	if strings.Contains(r.Header.Get("Accept"), "application/cbor") {
		data, err := cbor.Marshal(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		statusRequests.WithLabelValues("cbor").Inc()
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(data)
		return
	}

	statusRequests.WithLabelValues("json").Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Warn().Err(err).Msg("Failed to write status")
	}
}

// serve runs the HTTP server until ctx is done.
func serve(ctx context.Context, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting status server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Status server failed")
	}
}
