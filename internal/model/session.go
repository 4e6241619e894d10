package model

import "time"

// Stage is the orchestrator state of a conversation.
type Stage string

const (
	StageIdle                   Stage = "idle"
	StageAwaitingInterpretation Stage = "awaiting_interpretation"
	StageAwaitingConflictChoice Stage = "awaiting_conflict_choice"
	StageAwaitingConfirmation   Stage = "awaiting_confirmation"
	StageApplying               Stage = "applying"
	StageError                  Stage = "error"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// SessionView is a read-only snapshot of a conversation session.
type SessionView struct {
	ConversationID   string     `json:"conversation_id"`
	Stage            Stage      `json:"stage"`
	History          []Turn     `json:"history"`
	PendingConflicts []Conflict `json:"pending_conflicts"`
	PendingIntent    *Intent    `json:"pending_intent,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Batch is the set of calendar mutations of a single turn. Deletes carry the
// full events so they can be restored if the batch has to be rolled back.
type Batch struct {
	Creates []Event `json:"creates,omitempty"`
	Deletes []Event `json:"deletes,omitempty"`
}

// DeleteIDs returns the ids of the events to delete.
func (b Batch) DeleteIDs() []string {
	ids := make([]string, len(b.Deletes))
	for i, e := range b.Deletes {
		ids[i] = e.ID
	}
	return ids
}

// Empty reports whether the batch changes nothing.
func (b Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Deletes) == 0
}

// BatchResult is what an applied batch produced.
type BatchResult struct {
	Created []Event  `json:"created"`
	Deleted []string `json:"deleted"`
}
