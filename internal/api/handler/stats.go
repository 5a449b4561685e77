package handler

import (
	"net/http"

	"github.com/nikhilbhat/credbroker/internal/api/response"
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/internal/scheduler"
)

// NewPoolStatsHandler returns the handler for GET /api/v1/pool/stats.
func NewPoolStatsHandler(pm *pool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := pm.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read pool stats", nil)
			return
		}
		response.JSON(w, stats)
	}
}

// NewQueueStatsHandler returns the handler for GET /api/v1/queue/stats.
func NewQueueStatsHandler(svc *scheduler.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read queue stats", nil)
			return
		}
		response.JSON(w, stats)
	}
}
