package production

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/briefs"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/dispatch"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	jobs     []dispatch.Job
	err      error
	inFlight func(job dispatch.Job) // runs before Dispatch returns
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	hook, err := d.inFlight, d.err
	d.mu.Unlock()

	if hook != nil {
		hook(job)
	}
	return err
}

func (d *fakeDispatcher) Jobs() []dispatch.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Job(nil), d.jobs...)
}

type fakeImages struct{ err error }

func (f fakeImages) ResolveImageURL(_ context.Context, ref string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://storage.example.com/signed/" + ref, nil
}

type fakeWriter struct {
	brief string
	got   briefs.Request
}

func (w *fakeWriter) WriteBrief(_ context.Context, req briefs.Request) (string, error) {
	w.got = req
	if w.brief == "" {
		return "", errors.New("model unavailable")
	}
	return w.brief, nil
}

type harness struct {
	svc        *Service
	db         *db.DB
	clock      *fakeClock
	dispatcher *fakeDispatcher
	events     *events.Recorder
	writer     *fakeWriter
	user       *models.User
}

func newHarness(t *testing.T, balance float64) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	auditLog := audit.New(database)
	dispatcher := &fakeDispatcher{}
	recorder := &events.Recorder{}
	writer := &fakeWriter{brief: "Hook: the lamp clicks on"}

	svc := NewService(Deps{
		DB:         database,
		Locker:     lease.NewLocker(database, auditLog, 20*time.Minute).WithClock(clock.Now),
		Images:     fakeImages{},
		Dispatcher: dispatcher,
		Briefs:     writer,
		Events:     recorder,
		Audit:      auditLog,
	}, Config{
		Pricing:        credits.Pricing{NewVideo: 10, Revision: 2.5},
		Timeout:        15 * time.Minute,
		ExpectedRender: 5 * time.Minute,
		CallbackURL:    "https://api.example.com/webhooks/worker",
	}).WithClock(clock.Now)

	user := &models.User{ID: uuid.New(), Email: "owner@example.com", Credits: balance, CreatedAt: clock.Now()}
	require.NoError(t, database.CreateUser(context.Background(), user))

	return &harness{
		svc:        svc,
		db:         database,
		clock:      clock,
		dispatcher: dispatcher,
		events:     recorder,
		writer:     writer,
		user:       user,
	}
}

func (h *harness) conversation(t *testing.T, state models.WorkflowState) *models.Conversation {
	t.Helper()
	brief := "A desk lamp turning on in a dark room"
	c := &models.Conversation{
		ID:            uuid.New(),
		UserID:        h.user.ID,
		Title:         "Desk lamp",
		WorkflowState: state,
		CreatedAt:     h.clock.Now(),
	}
	if state != models.WorkflowStateDraft {
		c.Brief = &brief
	}
	require.NoError(t, h.db.CreateConversation(context.Background(), c))
	return c
}

func (h *harness) start(t *testing.T, conv *models.Conversation) *models.StartProductionResponse {
	t.Helper()
	resp, err := h.svc.StartProduction(context.Background(), StartInput{
		ConversationID: conv.ID,
		UserID:         h.user.ID,
		ImageRef:       "product-images/lamp.png",
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) balance(t *testing.T) float64 {
	t.Helper()
	u, err := h.db.GetUser(context.Background(), h.user.ID)
	require.NoError(t, err)
	return u.Credits
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Conversation {
	t.Helper()
	c, err := h.db.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) video(t *testing.T, ref string) *models.Video {
	t.Helper()
	v, err := h.db.FindVideo(context.Background(), ref)
	require.NoError(t, err)
	return v
}

func (h *harness) notices(t *testing.T, conversationID uuid.UUID) []models.Message {
	t.Helper()
	messages, err := h.db.GetConversationMessages(context.Background(), conversationID)
	require.NoError(t, err)
	var out []models.Message
	for _, m := range messages {
		if m.Role == models.MessageRoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) auditOutcomes(t *testing.T, conversationID uuid.UUID, operation string) []string {
	t.Helper()
	entries, err := h.db.ListAuditEntries(context.Background(), db.AuditFilter{ConversationID: &conversationID})
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.Operation == operation {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
