package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/admin"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/billing"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/dispatch"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/production"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	jwtSecret      = "api-test-jwt-secret"
	callbackSecret = "api-test-callback-secret"
	stripeSecret   = "whsec_api_test"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

type server struct {
	t          *testing.T
	router     http.Handler
	dispatcher *recordingDispatcher
}

func newServer(t *testing.T) *server {
	t.Helper()

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	auditLog := audit.New(database)
	locker := lease.NewLocker(database, auditLog, 20*time.Minute)
	dispatcher := &recordingDispatcher{}
	recorder := &events.Recorder{}
	prod := production.NewService(production.Deps{
		DB:         database,
		Locker:     locker,
		Dispatcher: dispatcher,
		Events:     recorder,
		Audit:      auditLog,
	}, production.Config{CallbackURL: "https://api.example.com/webhooks/worker"})
	billingSvc := billing.New(database, auditLog, nil, billing.Config{
		WebhookSecret: stripeSecret,
		Catalog:       credits.NewCatalog(map[models.Plan]string{models.PlanStarter: "price_starter"}),
	})
	adminSvc := admin.NewService(database, prod, locker, auditLog)

	verifier, err := auth.NewVerifier(jwtSecret, "")
	require.NoError(t, err)

	router := NewRouter(NewHandler(database, prod, billingSvc, adminSvc, recorder), verifier, RouterConfig{
		WorkerCallbackSecret: callbackSecret,
		Logger:               zerolog.Nop(),
	})
	return &server{t: t, router: router, dispatcher: dispatcher}
}

type caller struct {
	id    uuid.UUID
	token string
}

func (s *server) user(role string) caller {
	s.t.Helper()
	id := uuid.New()
	claims := jwt.MapClaims{
		"sub":   id.String(),
		"email": id.String()[:8] + "@example.com",
		"role":  "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["app_metadata"] = map[string]interface{}{"role": role}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(s.t, err)
	return caller{id: id, token: token}
}

func (s *server) do(method, path string, c *caller, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c != nil {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

// approvedConversation creates a conversation and records a brief so it can launch.
func (s *server) approvedConversation(c caller) string {
	s.t.Helper()
	rec, conv := s.do(http.MethodPost, "/v1/conversations", &c, map[string]string{"message": "A 15 second ad for our desk lamp"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	id := conv["id"].(string)

	rec, conv = s.do(http.MethodPost, "/v1/conversations/"+id+"/brief", &c, map[string]string{"brief": "Lamp clicks on, warm light fills the desk."})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(s.t, string(models.WorkflowStateAwaitingApproval), conv["workflow_state"])
	return id
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestUserRoutesRequireToken(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodGet, "/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.Equal(t, false, body["success"])
}

func TestMe_CreatesUserWithBaseline(t *testing.T) {
	s := newServer(t)
	c := s.user("")

	rec, body := s.do(http.MethodGet, "/v1/me", &c, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, c.id.String(), body["id"])
	assert.Equal(t, 20.0, body["credits"])
	assert.Equal(t, string(models.PlanFree), body["current_plan"])
}

func TestProductionLifecycle(t *testing.T) {
	s := newServer(t)
	c := s.user("")
	convID := s.approvedConversation(c)

	rec, started := s.do(http.MethodPost, "/v1/conversations/"+convID+"/productions", &c, map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	videoID := started["video_id"].(string)
	assert.Equal(t, 10.0, started["credits_remaining"])
	require.Len(t, s.dispatcher.jobs, 1)
	assert.Equal(t, videoID, s.dispatcher.jobs[0].VideoID)

	rec, body := s.do(http.MethodPost, "/v1/conversations/"+convID+"/productions", &c, map[string]interface{}{})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "LOCKED", body["code"])
	assert.NotEmpty(t, body["locked_until"])

	rec, body = s.do(http.MethodGet, "/v1/conversations/"+convID+"/lock", &c, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["held"])

	rec, body = s.do(http.MethodGet, "/v1/conversations/"+convID+"/videos/"+videoID+"/status", &c, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.VideoStatusProcessing), body["status"])

	callback := map[string]interface{}{
		"video_id":  videoID,
		"chat_id":   convID,
		"status":    "completed",
		"video_url": "https://cdn.example.com/lamp.mp4",
	}
	rec, body = s.do(http.MethodPost, "/webhooks/worker", nil, callback, dispatch.SecretHeader, callbackSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["applied"])

	rec, body = s.do(http.MethodPost, "/webhooks/worker", nil, callback, dispatch.SecretHeader, callbackSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["applied"], "redelivery is acknowledged without effect")

	rec, body = s.do(http.MethodGet, "/v1/conversations/"+convID, &c, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.WorkflowStateCompleted), body["workflow_state"])

	_, me := s.do(http.MethodGet, "/v1/me", &c, nil)
	assert.Equal(t, 10.0, me["credits"])

	rec, body = s.do(http.MethodGet, "/v1/conversations/"+convID+"/events?limit=1", &c, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recent := body["events"].([]interface{})
	require.Len(t, recent, 1)
	assert.Equal(t, events.TypeProductionSettled, recent[0].(map[string]interface{})["type"])
}

func TestCancelProduction_Refunds(t *testing.T) {
	s := newServer(t)
	c := s.user("")
	convID := s.approvedConversation(c)

	rec, _ := s.do(http.MethodPost, "/v1/conversations/"+convID+"/productions", &c, map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := s.do(http.MethodPost, "/v1/conversations/"+convID+"/cancel", &c, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, 10.0, body["refunded"])

	_, me := s.do(http.MethodGet, "/v1/me", &c, nil)
	assert.Equal(t, 20.0, me["credits"])
}

func TestStartProduction_InsufficientCredits(t *testing.T) {
	s := newServer(t)
	c := s.user("")

	for i := 0; i < 2; i++ {
		id := s.approvedConversation(c)
		rec, _ := s.do(http.MethodPost, "/v1/conversations/"+id+"/productions", &c, map[string]interface{}{})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	id := s.approvedConversation(c)
	rec, body := s.do(http.MethodPost, "/v1/conversations/"+id+"/productions", &c, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", body["code"])
}

func TestConversationHiddenFromOtherUsers(t *testing.T) {
	s := newServer(t)
	owner, other := s.user(""), s.user("")
	convID := s.approvedConversation(owner)

	rec, body := s.do(http.MethodGet, "/v1/conversations/"+convID, &other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	rec, _ = s.do(http.MethodGet, "/v1/conversations/not-a-uuid", &owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerCallbackSecret(t *testing.T) {
	s := newServer(t)
	cb := map[string]interface{}{"video_id": "video_x", "status": "failed"}

	rec, _ := s.do(http.MethodPost, "/webhooks/worker", nil, cb)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(http.MethodPost, "/webhooks/worker", nil, cb, dispatch.SecretHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(http.MethodPost, "/webhooks/worker", nil, cb, dispatch.SecretHeader, callbackSecret)
	assert.Equal(t, http.StatusNotFound, rec.Code, "authenticated callback for an unknown video")
}

func TestStripeWebhook(t *testing.T) {
	s := newServer(t)
	payload := []byte(`{"id":"evt_api_1","object":"event","type":"customer.created","data":{"object":{}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	for i, wantDuplicate := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
		req.Header.Set("Stripe-Signature", signed.Header)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res billing.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, wantDuplicate, res.Duplicate, fmt.Sprintf("delivery %d", i+1))
		assert.False(t, res.Applied)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t)
	owner := s.user("")
	operator := s.user(auth.RoleAdmin)
	convID := s.approvedConversation(owner)

	rec, started := s.do(http.MethodPost, "/v1/conversations/"+convID+"/productions", &owner, map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	videoID := started["video_id"].(string)

	rec, body := s.do(http.MethodGet, "/admin/videos/stuck", &owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rec, body = s.do(http.MethodGet, "/admin/videos/stuck?threshold_minutes=0", &operator, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	rec, _ = s.do(http.MethodGet, "/admin/videos/stuck?limit=-1", &operator, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = s.do(http.MethodPost, "/admin/videos/"+videoID+"/cancel", &operator, map[string]string{"reason": "render farm outage"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, string(models.VideoStatusCancelled), body["status"])

	rec, body = s.do(http.MethodPost, "/admin/videos/"+videoID+"/complete", &operator, map[string]string{"video_url": "https://cdn.example.com/late.mp4"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["applied"], "a cancelled video stays cancelled")

	rec, body = s.do(http.MethodGet, "/admin/logs?video_id="+videoID, &operator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.NotZero(t, body["count"])

	rec, body = s.do(http.MethodPost, "/admin/conversations/"+convID+"/unlock", &operator, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	_, me := s.do(http.MethodGet, "/v1/me", &owner, nil)
	assert.Equal(t, 20.0, me["credits"])
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/conversations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
