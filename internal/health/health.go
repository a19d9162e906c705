// Package health exposes the indexer's read-only liveness probe.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/okrame/verbeth/internal/store"
)

// Response is the JSON body served at /health.
type Response struct {
	Status        string `json:"status"`
	LastBlock     *int64 `json:"last_block"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Counts        Counts `json:"counts"`
}

// Counts mirrors store.Counts for the JSON response.
type Counts struct {
	Messages           int64 `json:"messages"`
	Handshakes         int64 `json:"handshakes"`
	HandshakeResponses int64 `json:"handshake_responses"`
}

// Handler serves GET /health.
type Handler struct {
	Store     *store.Store
	StartedAt time.Time
}

func NewHandler(s *store.Store, startedAt time.Time) *Handler {
	return &Handler{Store: s, StartedAt: startedAt}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lastBlock, err := h.Store.GetLastBlock(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	counts, err := h.Store.GetEventCounts(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	status := "syncing"
	if lastBlock != nil {
		status = "ok"
	}

	resp := Response{
		Status:        status,
		LastBlock:     lastBlock,
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
		Counts: Counts{
			Messages:           counts.Messages,
			Handshakes:         counts.Handshakes,
			HandshakeResponses: counts.HandshakeResponses,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
