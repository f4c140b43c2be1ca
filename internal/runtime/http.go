package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
	"github.com/agentbus/agentbus/internal/runtime/logging"
)

// startMetricsServer exposes /metrics for Prometheus scrapes plus JSON
// introspection routes. Only runs when metrics are enabled and a port is
// configured; a bind failure is logged and the bus keeps running without
// the endpoint. Caller holds b.mu.
func (b *Bus) startMetricsServer() {
	if !b.conf.MetricsEnabled || b.conf.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", b.promHandler())
	mux.HandleFunc("/api/metrics", b.handleGetMetrics)
	mux.HandleFunc("/api/subscriptions", b.handleGetSubscriptions)
	mux.HandleFunc("/api/deadletters", b.handleGetDeadLetters)

	addr := fmt.Sprintf(":%d", b.conf.MetricsPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	b.httpServer = server

	b.logger.Info("metrics server starting", logging.LogFields{"address": addr})
	go func() {
		if err := server.ListenAndServe(); err != nil && !sterrors.Is(err, http.ErrServerClosed) {
			b.logger.Error("metrics server failed", err, logging.LogFields{"address": addr})
		}
	}()
}

func (b *Bus) stopMetricsServer(ctx context.Context, server *http.Server) {
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		b.logger.Error("metrics server shutdown failed", err, nil)
	}
}

// promHandler serves the registry the collectors were registered on, falling
// back to the process-wide default handler.
func (b *Bus) promHandler() http.Handler {
	if g := b.metrics.Gatherer(); g != nil {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (b *Bus) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, b.Metrics()); err != nil {
		b.logger.Error("failed to encode metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (b *Bus) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, b.Subscriptions()); err != nil {
		b.logger.Error("failed to encode subscriptions", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleGetDeadLetters lists dead-lettered messages without consuming them.
// Supports ?limit= and ?offset= for paging.
func (b *Bus) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, b.DeadLetters(limit, offset)); err != nil {
		b.logger.Error("failed to encode dead letters", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
