package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/SpyrosRoum/termpad/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Store    string `json:"store"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails when the store directory is gone. A missing shared throttle
// only degrades the instance, the limiter falls back to local counting.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready: true,
		Store: "up",
		Cache: "unavailable",
	}
	if err := s.store.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("store health check failed")
		resp.Store = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		} else {
			resp.Cache = "up"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
