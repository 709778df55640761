package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/adreel/internal/admin"
	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/billing"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/production"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxStripePayload = 65536

var errWorkerSecretUnset = errors.New("worker callback secret not configured")

type Handler struct {
	db         *db.DB
	production *production.Service
	billing    *billing.Reconciler
	admin      *admin.Service
	feed       events.Feed
}

func NewHandler(database *db.DB, prod *production.Service, billingSvc *billing.Reconciler, adminSvc *admin.Service, feed events.Feed) *Handler {
	if feed == nil {
		feed = events.Nop{}
	}
	return &Handler{
		db:         database,
		production: prod,
		billing:    billingSvc,
		admin:      adminSvc,
		feed:       feed,
	}
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		respondError(w, r, apperr.Dependency("api.Health", "database unavailable", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func claims(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}

func uuidParam(r *http.Request, name, op string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(op, "invalid "+name)
	}
	return id, nil
}

// Me handles GET /v1/me. The user row is created on first sight and the
// billing state is refreshed from Stripe before the balance is returned.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	user, err := h.billing.EnsureUser(r.Context(), c.UserID, c.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}

	synced, err := h.billing.Sync(r.Context(), c.UserID)
	switch {
	case err == nil:
		user = synced
	case apperr.KindOf(err) == apperr.KindDependency:
		// Stale billing is still a usable answer.
		log.Warn().Err(err).Str("user_id", c.UserID.String()).Msg("Billing sync failed, returning stored balance")
	default:
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

// SyncBilling handles POST /v1/billing/sync
func (h *Handler) SyncBilling(w http.ResponseWriter, r *http.Request) {
	user, err := h.billing.Sync(r.Context(), claims(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// CreateConversation handles POST /v1/conversations
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	const op = "api.CreateConversation"

	var req models.CreateConversationRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		respondError(w, r, err)
		return
	}

	c := claims(r)
	if _, err := h.billing.EnsureUser(r.Context(), c.UserID, c.Email); err != nil {
		respondError(w, r, err)
		return
	}

	conv, err := h.production.CreateConversation(r.Context(), c.UserID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

// GetConversation handles GET /v1/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id", "api.GetConversation")
	if err != nil {
		respondError(w, r, err)
		return
	}

	conv, err := h.production.GetConversation(r.Context(), id, claims(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// RecordBrief handles POST /v1/conversations/{id}/brief. An empty body asks
// the configured brief writer to draft one.
func (h *Handler) RecordBrief(w http.ResponseWriter, r *http.Request) {
	const op = "api.RecordBrief"

	id, err := uuidParam(r, "id", op)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req models.RecordBriefRequest
	if err := decodeOptionalJSON(w, r, op, &req); err != nil {
		respondError(w, r, err)
		return
	}

	conv, err := h.production.RecordBrief(r.Context(), id, claims(r).UserID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// StartProduction handles POST /v1/conversations/{id}/productions
func (h *Handler) StartProduction(w http.ResponseWriter, r *http.Request) {
	const op = "api.StartProduction"

	id, err := uuidParam(r, "id", op)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req models.StartProductionRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		respondError(w, r, err)
		return
	}

	resp, err := h.production.StartProduction(r.Context(), production.StartInput{
		ConversationID: id,
		UserID:         claims(r).UserID,
		Brief:          req.Brief,
		ImageRef:       req.ImageRef,
		IsRevision:     req.IsRevision,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// CancelProduction handles POST /v1/conversations/{id}/cancel
func (h *Handler) CancelProduction(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id", "api.CancelProduction")
	if err != nil {
		respondError(w, r, err)
		return
	}

	settlement, err := h.production.Cancel(r.Context(), id, claims(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementBody(settlement))
}

// LockStatus handles GET /v1/conversations/{id}/lock
func (h *Handler) LockStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id", "api.LockStatus")
	if err != nil {
		respondError(w, r, err)
		return
	}

	status, err := h.production.LockStatus(r.Context(), id, claims(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// VideoStatus handles GET /v1/conversations/{id}/videos/{videoId}/status.
// Polling past the timeout settles the video as timed out.
func (h *Handler) VideoStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id", "api.VideoStatus")
	if err != nil {
		respondError(w, r, err)
		return
	}

	status, err := h.production.PollStatus(r.Context(), id, chi.URLParam(r, "videoId"), claims(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// RecentEvents handles GET /v1/conversations/{id}/events. Clients call it
// after reconnecting to the realtime channel.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.RecentEvents"

	id, err := uuidParam(r, "id", op)
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, op, "limit")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.production.LockStatus(r.Context(), id, claims(r).UserID); err != nil {
		respondError(w, r, err)
		return
	}

	recent, err := h.feed.Recent(r.Context(), id, int64(limit))
	if err != nil {
		respondError(w, r, apperr.Dependency(op, "event feed unavailable", err))
		return
	}
	if recent == nil {
		recent = []events.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": recent})
}

// WorkerCallback handles POST /webhooks/worker. Redelivery of a settled
// video is acknowledged with applied=false.
func (h *Handler) WorkerCallback(w http.ResponseWriter, r *http.Request) {
	var cb models.WorkerCallback
	if err := decodeJSON(w, r, "api.WorkerCallback", &cb); err != nil {
		respondError(w, r, err)
		return
	}

	settlement, err := h.production.HandleCallback(r.Context(), cb)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementBody(settlement))
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const op = "api.StripeWebhook"

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripePayload+1))
	if err != nil {
		respondError(w, r, apperr.Wrap(apperr.KindValidation, op, "failed to read body", err))
		return
	}
	if len(payload) > maxStripePayload {
		respondError(w, r, apperr.Validation(op, "payload too large"))
		return
	}

	result, err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func settlementBody(s *production.Settlement) map[string]interface{} {
	body := map[string]interface{}{
		"success":  true,
		"applied":  s.Applied,
		"refunded": s.Refunded,
	}
	if s.Video != nil {
		body["video_id"] = s.Video.VideoID
		body["status"] = s.Video.Status
	}
	return body
}
