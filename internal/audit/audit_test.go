package audit

import (
	"context"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log := New(database)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	log.now = func() time.Time { return tick }

	convID := uuid.New()
	videoID := "video_abc_1"

	log.Record(context.Background(), Entry{
		Operation:      "production.start",
		Actor:          "user",
		Outcome:        OutcomeOK,
		ConversationID: &convID,
		Start:          base.Add(-250 * time.Millisecond),
	})
	tick = base.Add(time.Second)
	log.Record(context.Background(), Entry{
		Operation: "production.settle",
		Actor:     "worker",
		Outcome:   OutcomeNoop,
		VideoID:   &videoID,
	})
	tick = base.Add(2 * time.Second)
	log.Record(context.Background(), Entry{Operation: "billing.sync", Actor: "system", Outcome: OutcomeOK})

	entries, err := log.List(context.Background(), videoID, &convID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "unrelated entries are filtered out")
	assert.Equal(t, "production.settle", entries[0].Operation, "newest first")
	assert.Equal(t, "production.start", entries[1].Operation)
	assert.Equal(t, int64(250), entries[1].DurationMs)
	assert.Zero(t, entries[0].DurationMs)
}

func TestRecord_CancelledContextStillWrites(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	convID := uuid.New()
	New(database).Record(ctx, Entry{Operation: "production.rollback", Outcome: OutcomeOK, ConversationID: &convID})

	entries, err := New(database).List(context.Background(), "", &convID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecord_NilLog(t *testing.T) {
	var l *Log
	assert.NotPanics(t, func() { l.Record(context.Background(), Entry{Operation: "x"}) })
}
