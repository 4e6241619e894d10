package model

// TurnResult is the user-facing outcome of a turn.
type TurnResult struct {
	Success              bool       `json:"success"`
	Message              string     `json:"message"`
	PendingConflicts     []Conflict `json:"pending_conflicts"`
	RequiresChoice       bool       `json:"requires_choice"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Stage                Stage      `json:"stage"`
	Events               []Event    `json:"events,omitempty"`
}

// Choice picks a resolution for one pending conflict. An empty ConflictID
// applies the option to every pending conflict.
type Choice struct {
	ConflictID string           `json:"conflict_id,omitempty"`
	Option     ResolutionAction `json:"option"`
}
