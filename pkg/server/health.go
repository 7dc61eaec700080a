package server

import (
	"context"
	"net/http"
	"time"

	"github.com/vaultsync/vaultsync/pkg/metrics"
)

// healthServer is the HTTP sidecar exposing /health, /ready, /live, and
// /metrics, adapted from the teacher's pkg/api.HealthServer.
type healthServer struct {
	srv  *Server
	mux  *http.ServeMux
	http *http.Server
}

func newHealthServer(srv *Server) *healthServer {
	hs := &healthServer{srv: srv, mux: http.NewServeMux()}
	hs.mux.HandleFunc("/health", metrics.HealthHandler())
	hs.mux.HandleFunc("/ready", hs.readyHandler)
	hs.mux.HandleFunc("/live", metrics.LivenessHandler())
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// readyHandler layers a connection-pressure check on top of
// metrics.ReadyHandler's component checks: the server reports
// not-ready once the devices registered with a live session number
// MaxSessions, at which point every session slot is taken and a new
// connection would block in the accept loop. Connections that have not
// yet authenticated hold a slot but are not counted.
func (hs *healthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if hs.srv.ActiveSessions() >= hs.srv.cfg.MaxSessions {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready","message":"session pool exhausted"}`))
		return
	}
	metrics.ReadyHandler()(w, r)
}

func (hs *healthServer) Start(addr string) error {
	hs.http = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := hs.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (hs *healthServer) Stop(ctx context.Context) error {
	if hs.http == nil {
		return nil
	}
	return hs.http.Shutdown(ctx)
}
