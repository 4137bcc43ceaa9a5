// Package health exposes liveness and Prometheus metrics over HTTP for the
// duration of a run.
package health

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sheetmail/internal/logger"
	"sheetmail/internal/metrics"
)

// StartHealthServer listens on addr and serves /healthz and /metrics in the
// background. The caller shuts the returned server down.
func StartHealthServer(addr string, log zerolog.Logger) (*http.Server, net.Listener, error) {
	log = logger.OrNop(log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("health server listening")
	return server, ln, nil
}
