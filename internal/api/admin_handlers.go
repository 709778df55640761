package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/adreel/internal/admin"
	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func caller(r *http.Request) admin.Caller {
	return admin.FromClaims(claims(r))
}

func queryInt(r *http.Request, op, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(op, name+" must be a non-negative integer")
	}
	return n, nil
}

// AdminListStuck handles GET /admin/videos/stuck
// Query params:
//   - threshold_minutes: minimum processing age (default 15)
//   - limit: max results (default 100)
func (h *Handler) AdminListStuck(w http.ResponseWriter, r *http.Request) {
	const op = "api.AdminListStuck"

	minutes, err := queryInt(r, op, "threshold_minutes")
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, op, "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}

	videos, err := h.admin.ListStuck(r.Context(), caller(r), time.Duration(minutes)*time.Minute, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]interface{}{"videos": videos, "count": len(videos)})
}

// AdminCancel handles POST /admin/videos/{videoId}/cancel
func (h *Handler) AdminCancel(w http.ResponseWriter, r *http.Request) {
	var req models.AdminCancelRequest
	if err := decodeOptionalJSON(w, r, "api.AdminCancel", &req); err != nil {
		respondError(w, r, err)
		return
	}

	settlement, err := h.admin.Cancel(r.Context(), caller(r), chi.URLParam(r, "videoId"), req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementBody(settlement))
}

// AdminComplete handles POST /admin/videos/{videoId}/complete
func (h *Handler) AdminComplete(w http.ResponseWriter, r *http.Request) {
	var req models.AdminCompleteRequest
	if err := decodeJSON(w, r, "api.AdminComplete", &req); err != nil {
		respondError(w, r, err)
		return
	}

	settlement, err := h.admin.ForceComplete(r.Context(), caller(r), chi.URLParam(r, "videoId"), req.VideoURL)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementBody(settlement))
}

// AdminLogs handles GET /admin/logs?video_id=&conversation_id=&limit=
func (h *Handler) AdminLogs(w http.ResponseWriter, r *http.Request) {
	const op = "api.AdminLogs"

	var convID *uuid.UUID
	if raw := r.URL.Query().Get("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, r, apperr.Validation(op, "invalid conversation_id"))
			return
		}
		convID = &id
	}
	limit, err := queryInt(r, op, "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}

	entries, err := h.admin.GetLogs(r.Context(), caller(r), r.URL.Query().Get("video_id"), convID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]interface{}{"logs": entries, "count": len(entries)})
}

// AdminUnlock handles POST /admin/conversations/{id}/unlock
func (h *Handler) AdminUnlock(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id", "api.AdminUnlock")
	if err != nil {
		respondError(w, r, err)
		return
	}

	previous, err := h.admin.ForceUnlock(r.Context(), caller(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"previous_lease":  previous,
	})
}
