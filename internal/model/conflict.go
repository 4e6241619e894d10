package model

import "time"

// ResolutionAction is one way of settling a conflict.
type ResolutionAction string

const (
	ResolutionKeepBoth            ResolutionAction = "keep_both"
	ResolutionKeepExistingDropNew ResolutionAction = "keep_existing_drop_new"
	ResolutionKeepNewDropExisting ResolutionAction = "keep_new_drop_existing"
	ResolutionRescheduleNew       ResolutionAction = "reschedule_new"
)

// ResolutionOrder is the fixed order options are always presented in.
var ResolutionOrder = []ResolutionAction{
	ResolutionKeepBoth,
	ResolutionKeepExistingDropNew,
	ResolutionKeepNewDropExisting,
	ResolutionRescheduleNew,
}

// Resolution is a single option offered for a conflict.
type Resolution struct {
	Action      ResolutionAction `json:"action"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	// Shift is how far the new event moves for reschedule_new.
	Shift time.Duration `json:"shift,omitempty"`
	// Available is false when no option of this kind can be applied,
	// e.g. no free slot exists within the search horizon.
	Available bool `json:"available"`
}

// ConflictKind classifies the overlap.
type ConflictKind string

const (
	ConflictOverlap  ConflictKind = "overlap"
	ConflictSameTime ConflictKind = "same_time"
)

// Conflict is an overlap between an already scheduled event and a candidate.
// Existing is always listed first, Candidate second.
type Conflict struct {
	ID             string       `json:"id"`
	Existing       Event        `json:"existing"`
	Candidate      Event        `json:"candidate"`
	Kind           ConflictKind `json:"kind"`
	Overlap        TimeRange    `json:"overlap"`
	OverlapMinutes int          `json:"overlap_minutes"`
	// Occurrences counts the overlapping instances when either side repeats.
	Occurrences int          `json:"occurrences"`
	Options     []Resolution `json:"options"`
}

// Option returns the resolution for action.
func (c Conflict) Option(action ResolutionAction) (Resolution, bool) {
	for _, o := range c.Options {
		if o.Action == action {
			return o, true
		}
	}
	return Resolution{}, false
}
