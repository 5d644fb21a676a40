package model

import (
	"encoding/json"
	"time"
)

// Category is the fixed set of notification kinds.
type Category string

const (
	CategoryAchievement Category = "achievement"
	CategoryReminder    Category = "reminder"
	CategoryFeedback    Category = "feedback"
	CategorySystem      Category = "system"
)

// Categories lists every valid Category.
var Categories = []Category{CategoryAchievement, CategoryReminder, CategoryFeedback, CategorySystem}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is one message destined for a user. Title and message carry
// a primary Kinyarwanda text and an optional English one.
type Notification struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	TitleRW   string     `json:"title_rw" bson:"title_rw"`
	TitleEN   string     `json:"title_en,omitempty" bson:"title_en,omitempty"`
	MessageRW string     `json:"message_rw" bson:"message_rw"`
	MessageEN string     `json:"message_en,omitempty" bson:"message_en,omitempty"`
	Type      Category   `json:"type" bson:"type"`
	Priority  string     `json:"priority" bson:"priority"`
	Read      bool       `json:"read" bson:"read"`
	ActionURL string     `json:"action_url,omitempty" bson:"action_url,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Expired reports whether n has an expiry strictly before t.
func (n *Notification) Expired(t time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(t)
}

// CreateRequest is what producers submit. TTLSeconds, when set, wins over
// ExpiresAt and is measured from the creation time.
type CreateRequest struct {
	UserID     string     `json:"user_id" validate:"required"`
	TitleRW    string     `json:"title_rw" validate:"required"`
	TitleEN    string     `json:"title_en,omitempty"`
	MessageRW  string     `json:"message_rw" validate:"required"`
	MessageEN  string     `json:"message_en,omitempty"`
	Type       Category   `json:"type" validate:"required,oneof=achievement reminder feedback system"`
	Priority   string     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	ActionURL  string     `json:"action_url,omitempty" validate:"omitempty,max=2048"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	TTLSeconds int64      `json:"ttl_seconds,omitempty" validate:"gte=0,lte=31536000"`
}

// Envelope types pushed over a channel.
const (
	EnvelopeNotification = "notification"
	EnvelopeRead         = "notification_read"
	EnvelopePing         = "ping"
	EnvelopePong         = "pong"
	EnvelopeMarkRead     = "mark_read"
	EnvelopeError        = "error"
)

// Envelope wraps every message written to a channel.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload and stamps the envelope with at.
func NewEnvelope(typ string, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: at.UTC()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}
