package app

import (
	"net/http"
	"time"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", a.metrics.Handler())

	a.auth.Register(mux)
	a.api.Register(mux)

	mux.Handle("GET /ws/rooms/{room_id}", a.ws)
}

// handleReady reports 503 while a configured dependency is unreachable.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.redis != nil {
		if err := PingRedis(r.Context(), a.redis, 2*time.Second); err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
