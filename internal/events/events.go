// Package events publishes conversation lifecycle events for realtime clients.
// Publishing is best effort: state lives in the database, never here.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	TypeProductionStarted  = "production.started"
	TypeProductionSettled  = "production.settled"
	TypeProductionRollback = "production.rolled_back"
	TypeBriefRecorded      = "brief.recorded"

	recentLimit = 50
	recentTTL   = 24 * time.Hour
)

type Event struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	VideoID        string    `json:"video_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	WorkflowState  string    `json:"workflow_state,omitempty"`
	Credits        *float64  `json:"credits,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher fans lifecycle events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Feed reads back recent events for clients that missed the live channel.
type Feed interface {
	Recent(ctx context.Context, conversationID uuid.UUID, limit int64) ([]Event, error)
}

// Channel is the pub/sub channel for one conversation.
func Channel(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

func recentKey(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String() + ":recent"
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedis(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Publish sends e on the conversation channel and keeps it in a capped
// recent-events list so a client that reconnects can catch up.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := recentKey(e.ConversationID)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, Channel(e.ConversationID), data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentLimit-1)
	pipe.Expire(ctx, key, recentTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest events for a conversation, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, conversationID uuid.UUID, limit int64) ([]Event, error) {
	if limit <= 0 || limit > recentLimit {
		limit = recentLimit
	}

	raw, err := p.client.LRange(ctx, recentKey(conversationID), 0, limit-1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}

	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Nop discards events. Used when no Redis is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

func (Nop) Recent(context.Context, uuid.UUID, int64) ([]Event, error) { return nil, nil }

// Recorder keeps events in memory. Tests use it to assert what was published.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Recent returns recorded events for one conversation, newest first.
func (r *Recorder) Recent(_ context.Context, conversationID uuid.UUID, limit int64) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.Events) - 1; i >= 0 && (limit <= 0 || int64(len(out)) < limit); i-- {
		if r.Events[i].ConversationID == conversationID {
			out = append(out, r.Events[i])
		}
	}
	return out, nil
}

// Types returns the type of each recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
