package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

const (
	dayFormat  = "Mon 2 Jan"
	slotFormat = "Mon 2 Jan 15:04"
)

func formatEvent(e model.Event) string {
	s := fmt.Sprintf("%s (%s-%s", e.Title, e.Start.Format(slotFormat), e.End.Format("15:04"))
	if e.Recurrence.IsRecurring() {
		s += ", " + string(e.Recurrence.Frequency)
	}
	return s + ")"
}

func describeEvents(events []model.Event, window model.TimeRange) string {
	span := fmt.Sprintf("between %s and %s", window.Start.Format(dayFormat), window.End.Format(dayFormat))
	if len(events) == 0 {
		return "You have no matching events " + span + "."
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, "- "+formatEvent(e))
	}
	return fmt.Sprintf("You have %d event(s) %s:\n%s", len(events), span, strings.Join(lines, "\n"))
}

func describeConflicts(conflicts []model.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d conflict(s):\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(&b, "%s. %q overlaps %q on %s for %d min",
			c.ID, c.Candidate.Title, c.Existing.Title, c.Overlap.Start.Format(slotFormat), c.OverlapMinutes)
		if c.Occurrences > 1 {
			fmt.Fprintf(&b, " (%d times)", c.Occurrences)
		}
		b.WriteString("\n")
	}
	b.WriteString("Choose an option: " + optionList() + ".")
	return b.String()
}

func describeBatch(b model.Batch) string {
	var parts []string
	if len(b.Creates) > 0 {
		parts = append(parts, "add "+joinEvents(b.Creates))
	}
	if len(b.Deletes) > 0 {
		parts = append(parts, "delete "+joinEvents(b.Deletes))
	}
	return "This will " + strings.Join(parts, " and ") + "."
}

func joinEvents(events []model.Event) string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = formatEvent(e)
	}
	return strings.Join(names, ", ")
}

func describeApplied(res model.BatchResult) string {
	switch {
	case len(res.Created) > 0 && len(res.Deleted) > 0:
		return fmt.Sprintf("Done. Added %s and deleted %d event(s).", joinEvents(res.Created), len(res.Deleted))
	case len(res.Created) > 0:
		return "Done. Added " + joinEvents(res.Created) + "."
	default:
		return fmt.Sprintf("Done. Deleted %d event(s).", len(res.Deleted))
	}
}

// userMessage translates a turn failure into text with a next step.
func userMessage(err error) string {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("That change was rejected: %s. Please rephrase and try again.", ve.Error())
	case errors.Is(err, model.ErrValidation):
		return "That change was rejected. Please rephrase and try again."
	case errors.Is(err, model.ErrInterpreterTimeout):
		return "Understanding your request took too long. Please try again."
	case errors.Is(err, model.ErrInterpreterUnavailable):
		return "I could not interpret that right now. Please try again or rephrase."
	case errors.Is(err, model.ErrCalendarWrite):
		return "The calendar could not be updated, so nothing was changed. Please retry."
	case errors.Is(err, model.ErrCalendarRead):
		return "The calendar could not be read. Please retry."
	default:
		return "Sorry, something went wrong on our side. Please retry."
	}
}

var (
	yesWords = []string{"yes", "y", "yep", "confirm", "ok", "okay", "sure", "do it"}
	noWords  = []string{"no", "n", "nope", "reject", "don't", "dont", "stop"}
)

// parseAnswer maps a typed yes or no.
func parseAnswer(text string) (accept, ok bool) {
	t := strings.Trim(strings.ToLower(strings.TrimSpace(text)), ".!")
	for _, w := range yesWords {
		if t == w {
			return true, true
		}
	}
	for _, w := range noWords {
		if t == w {
			return false, true
		}
	}
	return false, false
}

var resolutionPhrases = []struct {
	phrase string
	action model.ResolutionAction
}{
	{"keep both", model.ResolutionKeepBoth},
	{"keep existing", model.ResolutionKeepExistingDropNew},
	{"drop new", model.ResolutionKeepExistingDropNew},
	{"keep new", model.ResolutionKeepNewDropExisting},
	{"replace", model.ResolutionKeepNewDropExisting},
	{"reschedule", model.ResolutionRescheduleNew},
}

// parseResolution maps typed text to a resolution option.
func parseResolution(text string) (model.ResolutionAction, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, a := range model.ResolutionOrder {
		if t == string(a) {
			return a, true
		}
	}
	for _, p := range resolutionPhrases {
		if strings.Contains(t, p.phrase) {
			return p.action, true
		}
	}
	return "", false
}

func optionList() string {
	names := make([]string, len(model.ResolutionOrder))
	for i, a := range model.ResolutionOrder {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
