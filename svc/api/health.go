package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"snipbin/svc/util"
)

const probeTimeout = 500 * time.Millisecond

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Metadata string `json:"metadata"`
	Cache    string `json:"cache"`
	Blob     string `json:"blob"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports 503 when the metadata or blob store is down. A failing
// shared cache only degrades reads, so it is reported but not fatal.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true}
	resp.Metadata = probe(ctx, "metadata", s.backends.Metadata)
	resp.Cache = probe(ctx, "cache", s.backends.Cache)
	resp.Blob = probe(ctx, "blob", s.backends.Blob)
	if resp.Metadata == "down" || resp.Blob == "down" {
		resp.Ready = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "local"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		util.Error().Err(err).Str("backend", name).Msg("health check failed")
		return "down"
	}
	return "up"
}
