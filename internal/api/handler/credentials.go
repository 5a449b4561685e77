package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhat/credbroker/internal/api/response"
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// NewAddCredentialHandler returns the handler for POST /api/v1/credentials.
// The secret is encrypted before storage and never echoed back.
func NewAddCredentialHandler(pm *pool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Secret            string  `json:"secret"`
			Tier              string  `json:"tier"`
			OwnerUserID       *string `json:"owner_user_id"`
			DedicatedToUserID *string `json:"dedicated_to_user_id"`
			ExpiresAt         *string `json:"expires_at"`
			PriorityBoost     int     `json:"priority_boost"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Secret == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "secret is required", nil)
			return
		}

		tier := models.Tier(req.Tier)
		if req.Tier != "" && !tier.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"tier must be one of free, pro, premium, enterprise", nil)
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"expires_at must be a valid RFC3339 timestamp", nil)
				return
			}
			expiresAt = &parsed
		}

		id, err := pm.AddCredential(r.Context(), pool.AddParams{
			Secret:            req.Secret,
			OwnerUserID:       req.OwnerUserID,
			Tier:              tier,
			DedicatedToUserID: req.DedicatedToUserID,
			ExpiresAt:         expiresAt,
			PriorityBoost:     req.PriorityBoost,
		})
		if err != nil {
			switch {
			case errors.Is(err, pool.ErrDuplicateCredential):
				response.Error(w, http.StatusConflict, "DUPLICATE_CREDENTIAL",
					"An equivalent credential already exists", nil)
			case errors.Is(err, pool.ErrValidationFailed):
				response.Error(w, http.StatusBadGateway, "VALIDATION_UNAVAILABLE",
					"The upstream validator could not be reached", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to add credential", nil)
			}
			return
		}

		response.Created(w, map[string]any{"id": id})
	}
}

// NewRemoveCredentialHandler returns the handler for
// DELETE /api/v1/credentials/{credentialID}.
func NewRemoveCredentialHandler(pm *pool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credentialID, err := uuid.Parse(chi.URLParam(r, "credentialID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "credentialID must be a UUID", nil)
			return
		}

		if err := pm.RemoveCredential(r.Context(), credentialID); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "No such credential", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to remove credential", nil)
			return
		}

		response.JSON(w, map[string]any{"id": credentialID, "removed": true})
	}
}
