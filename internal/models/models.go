package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums
type WorkflowState string

const (
	WorkflowStateDraft            WorkflowState = "draft"
	WorkflowStateAwaitingApproval WorkflowState = "awaiting_approval"
	WorkflowStateInProduction     WorkflowState = "in_production"
	WorkflowStateCompleted        WorkflowState = "completed"
	WorkflowStateFailed           WorkflowState = "failed"
)

type VideoStatus string

const (
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
	VideoStatusCancelled  VideoStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition can leave this status.
func (s VideoStatus) IsTerminal() bool {
	return s == VideoStatusCompleted || s == VideoStatusFailed || s == VideoStatusCancelled
}

type Plan string

const (
	PlanFree    Plan = "Free"
	PlanStarter Plan = "Starter"
	PlanCreator Plan = "Creator"
	PlanPro     Plan = "Pro"
	PlanElite   Plan = "Elite"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Models

type User struct {
	ID                   uuid.UUID          `json:"id"`
	Email                string             `json:"email"`
	Credits              float64            `json:"credits"`
	CurrentPlan          Plan               `json:"current_plan"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID     *string            `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	CreditsVersion       int64              `json:"-"` // CAS counter, bumped on every credit write
	CreditsResetAt       *time.Time         `json:"credits_reset_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Lease is the time-boxed production claim embedded in a conversation row.
// It is held only while Locked is set and ExpiresAt is still in the future.
type Lease struct {
	Locked    bool       `json:"locked"`
	ExpiresAt *time.Time `json:"locked_until,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Held reports whether the lease excludes a new holder at now.
func (l Lease) Held(now time.Time) bool {
	return l.Locked && l.ExpiresAt != nil && now.Before(*l.ExpiresAt)
}

// Expired reports a lease whose flag was never cleared but whose expiry has passed.
func (l Lease) Expired(now time.Time) bool {
	return l.Locked && !l.Held(now)
}

type Conversation struct {
	ID                  uuid.UUID     `json:"id"`
	UserID              uuid.UUID     `json:"user_id"`
	Title               string        `json:"title"`
	WorkflowState       WorkflowState `json:"workflow_state"`
	Brief               *string       `json:"brief,omitempty"`
	ActiveVideoID       *string       `json:"active_video_id,omitempty"`
	Lease               Lease         `json:"lease"`
	LockVersion         int64         `json:"-"`
	ProductionStartedAt *time.Time    `json:"production_started_at,omitempty"`
	LastActivityAt      *time.Time    `json:"last_activity_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type Video struct {
	ID                    uuid.UUID   `json:"id"`
	VideoID               string      `json:"video_id"` // correlation id shared with the generation worker
	ConversationID        uuid.UUID   `json:"conversation_id"`
	UserID                uuid.UUID   `json:"user_id"`
	Status                VideoStatus `json:"status"`
	Prompt                string      `json:"prompt"`
	ImageURL              *string     `json:"image_url,omitempty"`
	CreditsUsed           float64     `json:"credits_used"`
	IsRevision            bool        `json:"is_revision"`
	ProcessingStartedAt   time.Time   `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time  `json:"processing_completed_at,omitempty"`
	ProcessingTimeMs      *int64      `json:"processing_time_ms,omitempty"`
	VideoURL              *string     `json:"video_url,omitempty"`
	ErrorMessage          *string     `json:"error_message,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	VideoID        *string     `json:"video_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// AuditEntry is one append-only operational record. Never authoritative for state.
type AuditEntry struct {
	ID             uuid.UUID  `json:"id"`
	Operation      string     `json:"operation"`
	Actor          string     `json:"actor"`
	Outcome        string     `json:"outcome"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	VideoID        *string    `json:"video_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DTOs for API requests and responses

type CreateConversationRequest struct {
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

type RecordBriefRequest struct {
	Brief    *string `json:"brief,omitempty"`     // nil = generate with the configured brief writer
	ImageRef *string `json:"image_ref,omitempty"` // optional product photo for the brief writer
}

type StartProductionRequest struct {
	Brief      *string `json:"brief,omitempty"`
	ImageRef   string  `json:"image_ref"`
	IsRevision bool    `json:"is_revision"`
}

type StartProductionResponse struct {
	VideoID        string        `json:"video_id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	WorkflowState  WorkflowState `json:"workflow_state"`
	CreditsUsed    float64       `json:"credits_used"`
	CreditsLeft    float64       `json:"credits_remaining"`
	LockedUntil    time.Time     `json:"locked_until"`
}

// WorkerCallback is the single canonical payload the generation worker posts back.
type WorkerCallback struct {
	VideoID          string      `json:"video_id"`
	ChatID           string      `json:"chat_id"`
	VideoURL         *string     `json:"video_url,omitempty"`
	Status           VideoStatus `json:"status"`
	ErrorMessage     *string     `json:"error_message,omitempty"`
	ProcessingTimeMs *int64      `json:"processing_time_ms,omitempty"`
}

type StatusResponse struct {
	Status              VideoStatus `json:"status"`
	Progress            int         `json:"progress"`
	VideoURL            *string     `json:"video_url,omitempty"`
	ErrorMessage        *string     `json:"error_message,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
}

type LockStatusResponse struct {
	Held        bool       `json:"held"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

type ConversationResponse struct {
	Conversation
	Videos   []Video   `json:"videos"`
	Messages []Message `json:"messages"`
}

type AdminCancelRequest struct {
	Reason string `json:"reason"`
}

type AdminCompleteRequest struct {
	VideoURL string `json:"video_url"`
}
