package interpreter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// cue words per action, checked in order: "clear all" wins over "clear" and
// "what is on my schedule" is a query.
var cues = []struct {
	action model.Action
	words  []string
}{
	{model.ActionBulk, []string{"clear all", "delete all", "remove all", "cancel all", "everything", "entire"}},
	{model.ActionDelete, []string{"delete", "remove", "cancel", "drop", "clear"}},
	{model.ActionUpdate, []string{"move", "reschedule", "change", "update", "shift", "push"}},
	{model.ActionQuery, []string{"what", "show", "list", "when", "do i have", "anything", "am i free"}},
	{model.ActionCreate, []string{"add", "schedule", "create", "book", "plan", "set up", "new"}},
}

var (
	dateRe      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	timeRangeRe = regexp.MustCompile(`\b(\d{1,2}:\d{2})\s*(?:-|–|to|until)\s*(\d{1,2}:\d{2})\b`)
	quotedRe    = regexp.MustCompile(`["“]([^"”]{1,200})["”]`)
	courseRe    = regexp.MustCompile(`\b([A-Z]{2,4}\s?\d{3}[A-Z]?)\b`)
	idRe        = regexp.MustCompile(`\bid[:= ]\s*([A-Za-z0-9-]{6,})`)
)

var eventTypeWords = []struct {
	word string
	typ  model.EventType
}{
	{"exam", model.EventTypeExam},
	{"lab", model.EventTypeLab},
	{"study", model.EventTypeStudy},
	{"meeting", model.EventTypeMeeting},
	{"class", model.EventTypeClass},
	{"lecture", model.EventTypeClass},
}

// KeywordBackend is a deterministic backend based on cue words and simple
// date patterns. Confidence is the share of expected signals found in the
// text.
type KeywordBackend struct{}

// NewKeywordBackend creates the keyword backend.
func NewKeywordBackend() *KeywordBackend {
	return &KeywordBackend{}
}

// Name returns the backend name.
func (b *KeywordBackend) Name() string {
	return "keyword"
}

// Interpret classifies req.Text.
func (b *KeywordBackend) Interpret(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	loc := time.UTC
	if req.Context.Timezone != "" {
		l, err := time.LoadLocation(req.Context.Timezone)
		if err != nil {
			return Response{}, fmt.Errorf("load timezone %q: %w", req.Context.Timezone, err)
		}
		loc = l
	}
	now := req.Context.Now.In(loc)
	if req.Context.Now.IsZero() {
		now = time.Now().In(loc)
	}

	text := strings.TrimSpace(req.Text)
	lower := strings.ToLower(text)

	action, cued := classify(lower)
	entities := make(map[string]string)

	day, hasDay := findDay(lower, now, loc)
	var window model.TimeRange
	hasWindow := false
	switch {
	case hasDay:
		window = model.TimeRange{Start: day, End: day.AddDate(0, 0, 1)}
		hasWindow = true
	case strings.Contains(lower, "this week"):
		start := startOfWeek(now)
		window = model.TimeRange{Start: start, End: start.AddDate(0, 0, 7)}
		hasWindow = true
	case strings.Contains(lower, "next week"):
		start := startOfWeek(now).AddDate(0, 0, 7)
		window = model.TimeRange{Start: start, End: start.AddDate(0, 0, 7)}
		hasWindow = true
	}
	if hasWindow {
		entities[model.EntityRangeStart] = window.Start.Format(time.RFC3339)
		entities[model.EntityRangeEnd] = window.End.Format(time.RFC3339)
	}

	title := ""
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		title = strings.TrimSpace(m[1])
		entities[model.EntityTitle] = title
	}
	if subject := matchVocabulary(text, req.Context.Subjects); subject != "" {
		entities[model.EntitySubject] = subject
	} else if m := courseRe.FindStringSubmatch(text); m != nil {
		entities[model.EntitySubject] = m[1]
	}
	if location := matchVocabulary(text, req.Context.Locations); location != "" {
		entities[model.EntityLocation] = location
	}

	var targetIDs []string
	if m := idRe.FindStringSubmatch(text); m != nil {
		targetIDs = []string{m[1]}
		entities[model.EntityEventID] = m[1]
	}

	var events []model.Event
	start, end, hasTimes := findTimes(lower, day, hasDay)
	if hasTimes && (action == model.ActionCreate || action == model.ActionUpdate) {
		ev := model.Event{
			Title:    title,
			Start:    start,
			End:      end,
			Subject:  entities[model.EntitySubject],
			Location: entities[model.EntityLocation],
			Type:     findType(lower),
		}
		if ev.Title == "" && action == model.ActionCreate {
			ev.Title = defaultTitle(ev)
		}
		if freq := findFrequency(lower); freq != model.FrequencyNone {
			ev.Recurrence = &model.Recurrence{Frequency: freq, Until: termUntil(req.Context.Term)}
		}
		events = append(events, ev)
	}

	hasTarget := title != "" || entities[model.EntitySubject] != "" || len(targetIDs) > 0
	signals := []bool{cued}
	switch action {
	case model.ActionCreate:
		signals = append(signals, hasDay, hasTimes)
	case model.ActionUpdate:
		signals = append(signals, hasTarget, hasDay, hasTimes)
	case model.ActionDelete:
		signals = append(signals, hasTarget, hasWindow)
	case model.ActionBulk:
		signals = append(signals, hasWindow)
	case model.ActionQuery:
		signals = append(signals, hasWindow)
	}

	return Response{
		Action:     action,
		Entities:   entities,
		Confidence: score(signals),
		Events:     events,
		TargetIDs:  targetIDs,
	}, nil
}

func classify(lower string) (model.Action, bool) {
	for _, c := range cues {
		for _, w := range c.words {
			if containsWord(lower, w) {
				return c.action, true
			}
		}
	}
	return model.ActionQuery, false
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isLetter(text[i-1])
		after := i+len(word) == len(text) || !isLetter(text[i+len(word)])
		if before && after {
			return true
		}
		idx = i + 1
	}
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// score is the share of signals present, rounded to two decimals.
func score(signals []bool) float64 {
	if len(signals) == 0 {
		return 0
	}
	hits := 0
	for _, s := range signals {
		if s {
			hits++
		}
	}
	return float64(hits*100/len(signals)) / 100
}

var weekdayNames = []struct {
	name string
	day  time.Weekday
}{
	{"monday", time.Monday},
	{"tuesday", time.Tuesday},
	{"wednesday", time.Wednesday},
	{"thursday", time.Thursday},
	{"friday", time.Friday},
	{"saturday", time.Saturday},
	{"sunday", time.Sunday},
}

func findDay(lower string, now time.Time, loc *time.Location) (time.Time, bool) {
	if m := dateRe.FindStringSubmatch(lower); m != nil {
		if d, err := time.ParseInLocation(time.DateOnly, m[1], loc); err == nil {
			return d, true
		}
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch {
	case containsWord(lower, "today"):
		return today, true
	case containsWord(lower, "tomorrow"):
		return today.AddDate(0, 0, 1), true
	}
	for _, wd := range weekdayNames {
		if containsWord(lower, wd.name) {
			ahead := (int(wd.day) - int(today.Weekday()) + 7) % 7
			return today.AddDate(0, 0, ahead), true
		}
	}
	return time.Time{}, false
}

func startOfWeek(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(today.Weekday()) + 6) % 7
	return today.AddDate(0, 0, -offset)
}

func findTimes(lower string, day time.Time, hasDay bool) (time.Time, time.Time, bool) {
	if !hasDay {
		return time.Time{}, time.Time{}, false
	}
	m := timeRangeRe.FindStringSubmatch(lower)
	if m == nil {
		return time.Time{}, time.Time{}, false
	}
	from, err1 := time.Parse("15:04", m[1])
	to, err2 := time.Parse("15:04", m[2])
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), from.Hour(), from.Minute(), 0, 0, day.Location())
	end := time.Date(day.Year(), day.Month(), day.Day(), to.Hour(), to.Minute(), 0, 0, day.Location())
	return start, end, true
}

func findType(lower string) model.EventType {
	for _, t := range eventTypeWords {
		if containsWord(lower, t.word) {
			return t.typ
		}
	}
	return model.EventTypeOther
}

func findFrequency(lower string) model.Frequency {
	switch {
	case strings.Contains(lower, "biweekly"), strings.Contains(lower, "every other week"), strings.Contains(lower, "every two weeks"):
		return model.FrequencyBiweekly
	case strings.Contains(lower, "weekly"), strings.Contains(lower, "every week"):
		return model.FrequencyWeekly
	}
	return model.FrequencyNone
}

// termUntil is the last day of the term.
func termUntil(term model.TimeRange) time.Time {
	if term.End.IsZero() {
		return time.Time{}
	}
	last := term.End.Add(-time.Nanosecond)
	return time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, last.Location())
}

func matchVocabulary(text string, vocabulary []string) string {
	lower := strings.ToLower(text)
	for _, v := range vocabulary {
		if v != "" && strings.Contains(lower, strings.ToLower(v)) {
			return v
		}
	}
	return ""
}

func defaultTitle(ev model.Event) string {
	if ev.Subject != "" {
		return ev.Subject
	}
	if ev.Type != model.EventTypeOther {
		return strings.ToUpper(string(ev.Type[:1])) + string(ev.Type[1:])
	}
	return "New event"
}
