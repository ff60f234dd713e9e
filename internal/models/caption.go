package models

import "time"

// TokenRole identifies which upstream stream a token belongs to.
type TokenRole string

const (
	// RoleSource marks tokens in the original spoken language.
	RoleSource TokenRole = "source"
	// RoleTranslation marks tokens produced by the upstream translation pass.
	RoleTranslation TokenRole = "translation"
)

// Token is one unit of recognized text from the upstream service. Tokens are
// never persisted; the aggregator consumes them immediately.
type Token struct {
	Text    string    `json:"text"`
	Role    TokenRole `json:"role"`
	IsFinal bool      `json:"is_final"`
}

// CaptionEvent is one coherent caption string assembled from tokens. Partial
// events are transient previews; final events are persisted and published.
type CaptionEvent struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	ProducedAt time.Time `json:"produced_at"`
}

// TranscriptEntry is one persisted final caption. ID is the unix-millisecond
// creation timestamp and is unique within a store.
type TranscriptEntry struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Edited bool   `json:"edited"`
}

// ChangeKind enumerates transcript store mutations.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeEdited  ChangeKind = "edited"
	ChangeDeleted ChangeKind = "deleted"
	ChangeCleared ChangeKind = "cleared"
)

// ChangeEvent is one transcript store mutation, emitted on the change feed
// after the durable write succeeded. Entry is zero-valued for "cleared".
type ChangeEvent struct {
	Kind  ChangeKind      `json:"kind"`
	Entry TranscriptEntry `json:"entry"`
}
