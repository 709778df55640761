package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	id := uuid.MustParse("7f1c8f1e-0000-4000-8000-000000000001")
	credits := 20.0
	e := Event{
		Type:           TypeProductionSettled,
		ConversationID: id,
		VideoID:        "video_x_1",
		Status:         "failed",
		Credits:        &credits,
		At:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "production.settled",
		"conversation_id": "7f1c8f1e-0000-4000-8000-000000000001",
		"video_id": "video_x_1",
		"status": "failed",
		"credits": 20,
		"at": "2026-03-01T12:00:00Z"
	}`, string(data))

	assert.Equal(t, "conversation:7f1c8f1e-0000-4000-8000-000000000001", Channel(id))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var p Publisher = r
	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeProductionStarted}))
	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeProductionSettled}))
	assert.Equal(t, []string{TypeProductionStarted, TypeProductionSettled}, r.Types())

	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}

func TestRedisPublisher(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	p, err := NewRedis(url)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	id := uuid.New()
	for _, typ := range []string{TypeProductionStarted, TypeProductionSettled} {
		require.NoError(t, p.Publish(ctx, Event{Type: typ, ConversationID: id}))
	}

	recent, err := p.Recent(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, TypeProductionSettled, recent[0].Type)
}
