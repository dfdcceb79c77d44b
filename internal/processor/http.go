package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beacon/internal/handlers"
	"beacon/internal/kafka"
	"beacon/internal/logger"
	"beacon/internal/middleware"
	"beacon/internal/worker"
)

// initHTTPServer mounts the operator API, reading ingest and ops endpoints
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()

	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: p.envelopeChan,
		NodeID:       p.node,
		MaxBodySize:  p.cfg.HTTP.MaxBodySize,
	})
	mux.Handle("POST /readings", ingestHandler)

	handlers.NewTriggerHandler(p.triggers).Register(mux)
	handlers.NewAlertHandler(p.alerts, p.dispatcher).Register(mux)

	mux.HandleFunc("GET /health", p.healthHandler)
	mux.HandleFunc("GET /stats", p.statsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      middleware.Chain(mux, middleware.Logging, middleware.Recovery),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout.D(),
		WriteTimeout: p.cfg.HTTP.WriteTimeout.D(),
		IdleTimeout:  60 * time.Second,
	}
}

// Handler returns the HTTP handler built by Setup
func (p *Processor) Handler() http.Handler {
	return p.httpServer.Handler
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// healthHandler reports unhealthy when a configured broker is unreachable
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]string{},
	}

	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks["kafka"] = err.Error()
		} else {
			resp.Checks["kafka"] = "ok"
		}
	}
	if p.mqttClient != nil {
		if p.mqttClient.IsConnectionOpen() {
			resp.Checks["mqtt"] = "ok"
		} else {
			resp.Status = "unhealthy"
			resp.Checks["mqtt"] = "disconnected"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	Worker   worker.Stats         `json:"worker"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
	Channel  queueStats           `json:"channel"`
	Channels []string             `json:"channels"`
}

type queueStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Worker: p.workerPool.Stats(),
		Channel: queueStats{
			Buffered: len(p.envelopeChan),
			Capacity: cap(p.envelopeChan),
		},
		Channels: p.registry.IDs(),
	}
	if p.producer != nil {
		s := p.producer.Stats()
		resp.Producer = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("processor")
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
