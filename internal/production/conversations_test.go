package production

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConversation(t *testing.T) {
	h := newHarness(t, 20)

	conv, err := h.svc.CreateConversation(context.Background(), h.user.ID, models.CreateConversationRequest{
		Message: "Make an ad for my walnut desk lamp\nIt has a brass switch",
	})
	require.NoError(t, err)
	assert.Equal(t, "Make an ad for my walnut desk lamp", conv.Title)
	assert.Equal(t, models.WorkflowStateDraft, conv.WorkflowState)

	resp, err := h.svc.GetConversation(context.Background(), conv.ID, h.user.ID)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, models.MessageRoleUser, resp.Messages[0].Role)
	assert.Empty(t, resp.Videos)
}

func TestCreateConversation_Rejects(t *testing.T) {
	h := newHarness(t, 20)

	_, err := h.svc.CreateConversation(context.Background(), h.user.ID, models.CreateConversationRequest{Message: "   "})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.svc.CreateConversation(context.Background(), uuid.New(), models.CreateConversationRequest{Message: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "short", titleFrom("short"))

	long := strings.Repeat("é", 80)
	got := titleFrom(long)
	assert.Equal(t, strings.Repeat("é", 60)+"…", got)
}

func TestRecordBrief_Generated(t *testing.T) {
	h := newHarness(t, 20)
	conv, err := h.svc.CreateConversation(context.Background(), h.user.ID, models.CreateConversationRequest{Message: "A lamp ad"})
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	got, err := h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{
		ImageRef: strPtr("product-images/lamp.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStateAwaitingApproval, got.WorkflowState)
	require.NotNil(t, got.Brief)
	assert.Equal(t, "Hook: the lamp clicks on", *got.Brief)

	assert.Equal(t, "A lamp ad", h.writer.got.Message)
	assert.Equal(t, "https://storage.example.com/signed/product-images/lamp.png", h.writer.got.ImageURL)

	resp, err := h.svc.GetConversation(context.Background(), conv.ID, h.user.ID)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, models.MessageRoleAssistant, resp.Messages[1].Role)
}

func TestRecordBrief_SuppliedAndReplaced(t *testing.T) {
	h := newHarness(t, 20)
	conv := h.conversation(t, models.WorkflowStateDraft)

	got, err := h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{Brief: strPtr("First take")})
	require.NoError(t, err)
	assert.Equal(t, "First take", *got.Brief)

	got, err = h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{Brief: strPtr("Second take")})
	require.NoError(t, err)
	assert.Equal(t, "Second take", *got.Brief)
	assert.Equal(t, models.WorkflowStateAwaitingApproval, got.WorkflowState)

	_, err = h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{Brief: strPtr("  ")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRecordBrief_LockedDuringProduction(t *testing.T) {
	h := newHarness(t, 20)
	conv := h.conversation(t, models.WorkflowStateAwaitingApproval)
	h.start(t, conv)

	_, err := h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{Brief: strPtr("changed my mind")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRecordBrief_WriterFailure(t *testing.T) {
	h := newHarness(t, 20)
	h.writer.brief = ""
	conv, err := h.svc.CreateConversation(context.Background(), h.user.ID, models.CreateConversationRequest{Message: "A lamp ad"})
	require.NoError(t, err)

	_, err = h.svc.RecordBrief(context.Background(), conv.ID, h.user.ID, models.RecordBriefRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
	assert.Equal(t, models.WorkflowStateDraft, h.reload(t, conv.ID).WorkflowState)
}

func TestGetConversation_HiddenFromOthers(t *testing.T) {
	h := newHarness(t, 20)
	conv := h.conversation(t, models.WorkflowStateDraft)

	_, err := h.svc.GetConversation(context.Background(), conv.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
