// Package conflict detects overlaps between candidate events and the
// calendar and proposes resolutions.
package conflict

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/recurrence"
)

// Defaults for the reschedule search.
const (
	DefaultStep    = 15 * time.Minute
	DefaultHorizon = 24 * time.Hour
)

// Config configures an Engine.
type Config struct {
	Term model.TimeRange
	// Compatible lists type pairs allowed to overlap. Order inside a pair
	// does not matter.
	Compatible [][2]model.EventType
	Step       time.Duration
	Horizon    time.Duration
}

type typePair struct {
	a, b model.EventType
}

func pairOf(a, b model.EventType) typePair {
	if b < a {
		a, b = b, a
	}
	return typePair{a, b}
}

// Engine evaluates candidates against a calendar snapshot. It is stateless
// between calls and safe for concurrent use.
type Engine struct {
	term       model.TimeRange
	compatible map[typePair]struct{}
	step       time.Duration
	horizon    time.Duration
	expander   recurrence.Expander
}

// New creates an engine from cfg, filling in defaults.
func New(cfg Config) *Engine {
	e := &Engine{
		term:       cfg.Term,
		compatible: make(map[typePair]struct{}, len(cfg.Compatible)),
		step:       cfg.Step,
		horizon:    cfg.Horizon,
		expander:   recurrence.NewExpander(cfg.Term),
	}
	if e.step <= 0 {
		e.step = DefaultStep
	}
	if e.horizon <= 0 {
		e.horizon = DefaultHorizon
	}
	for _, p := range cfg.Compatible {
		e.compatible[pairOf(p[0], p[1])] = struct{}{}
	}
	return e
}

// Compatible reports whether events of types a and b may overlap.
func (e *Engine) Compatible(a, b model.EventType) bool {
	_, ok := e.compatible[pairOf(a, b)]
	return ok
}

// Conflicts reports whether two concrete occurrences conflict. It is
// symmetric, and an event never conflicts with itself.
func (e *Engine) Conflicts(a, b model.Event) bool {
	if a.ID != "" && a.ID == b.ID {
		return false
	}
	if e.Compatible(a.Type, b.Type) {
		return false
	}
	return a.Range().Overlaps(b.Range())
}

type occurrence struct {
	event     model.Event
	series    int
	candidate bool
}

type pairKey struct {
	existing  int
	candidate int
}

type hit struct {
	existing  model.Event
	candidate model.Event
	overlap   model.TimeRange
	count     int
}

// Evaluate returns the conflicts between candidates and snapshot, one per
// (existing, candidate) series pair, ordered by when the first overlap
// happens. Candidates are not checked against each other. Recurring events on
// either side are expanded within the term first. Nothing is applied.
func (e *Engine) Evaluate(candidates, snapshot []model.Event) []model.Conflict {
	tl := e.buildTimeline(candidates, snapshot, nil)
	occs := tl.occs

	hits := make(map[pairKey]*hit)
	var activeExisting, activeCandidates []occurrence
	for _, cur := range occs {
		activeExisting = prune(activeExisting, cur.event.Start)
		activeCandidates = prune(activeCandidates, cur.event.Start)

		others := activeCandidates
		if cur.candidate {
			others = activeExisting
		}
		for _, other := range others {
			existing, candidate := cur, other
			if cur.candidate {
				existing, candidate = other, cur
			}
			if !e.Conflicts(existing.event, candidate.event) {
				continue
			}
			overlap, _ := existing.event.Range().Intersection(candidate.event.Range())
			key := pairKey{existing: existing.series, candidate: candidate.series}
			if h, ok := hits[key]; ok {
				h.count++
				continue
			}
			hits[key] = &hit{
				existing:  existing.event,
				candidate: candidate.event,
				overlap:   overlap,
				count:     1,
			}
		}

		if cur.candidate {
			activeCandidates = append(activeCandidates, cur)
		} else {
			activeExisting = append(activeExisting, cur)
		}
	}

	ordered := make([]pairKey, 0, len(hits))
	for k := range hits {
		ordered = append(ordered, k)
	}
	slices.SortFunc(ordered, func(a, b pairKey) int {
		ha, hb := hits[a], hits[b]
		if c := ha.overlap.Start.Compare(hb.overlap.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(a.existing, b.existing); c != 0 {
			return c
		}
		return cmp.Compare(a.candidate, b.candidate)
	})

	type slot struct {
		shift time.Duration
		ok    bool
	}
	slots := make(map[int]slot)

	out := make([]model.Conflict, 0, len(ordered))
	for i, k := range ordered {
		free, cached := slots[k.candidate]
		if !cached {
			free.shift, free.ok = e.freeShift(candidates[k.candidate], k.candidate, tl)
			slots[k.candidate] = free
		}
		h := hits[k]
		kind := model.ConflictOverlap
		if h.existing.Start.Equal(h.candidate.Start) && h.existing.End.Equal(h.candidate.End) {
			kind = model.ConflictSameTime
		}
		out = append(out, model.Conflict{
			ID:             strconv.Itoa(i + 1),
			Existing:       h.existing,
			Candidate:      h.candidate,
			Kind:           kind,
			Overlap:        h.overlap,
			OverlapMinutes: int(h.overlap.End.Sub(h.overlap.Start) / time.Minute),
			Occurrences:    h.count,
			Options:        e.options(snapshot[k.existing], candidates[k.candidate], free.shift, free.ok),
		})
	}
	return out
}

// prune drops occurrences that end at or before t.
func prune(active []occurrence, t time.Time) []occurrence {
	kept := active[:0]
	for _, o := range active {
		if o.event.End.After(t) {
			kept = append(kept, o)
		}
	}
	return kept
}

func (e *Engine) expand(ev model.Event) []model.Event {
	occs, _, err := e.expander.Occurrences(ev)
	if err != nil {
		return []model.Event{ev}
	}
	return occs
}

func (e *Engine) options(existing, candidate model.Event, shift time.Duration, free bool) []model.Resolution {
	opts := []model.Resolution{
		{
			Action:      model.ResolutionKeepBoth,
			Title:       "Keep both",
			Description: fmt.Sprintf("Keep %q and add %q even though they overlap.", existing.Title, candidate.Title),
			Available:   true,
		},
		{
			Action:      model.ResolutionKeepExistingDropNew,
			Title:       "Keep existing",
			Description: fmt.Sprintf("Keep %q and do not add %q.", existing.Title, candidate.Title),
			Available:   true,
		},
		{
			Action:      model.ResolutionKeepNewDropExisting,
			Title:       "Replace existing",
			Description: fmt.Sprintf("Remove %q and add %q.", existing.Title, candidate.Title),
			Available:   true,
		},
	}

	reschedule := model.Resolution{
		Action: model.ResolutionRescheduleNew,
		Title:  "Reschedule new",
	}
	if free {
		moved := candidate.Shift(shift)
		reschedule.Shift = shift
		reschedule.Available = true
		reschedule.Description = fmt.Sprintf("Move %q by %s to %s-%s.",
			candidate.Title, formatShift(shift),
			moved.Start.Format("Mon 15:04"), moved.End.Format("15:04"))
	} else {
		reschedule.Description = fmt.Sprintf("No free slot for %q within %s.", candidate.Title, formatShift(e.horizon))
	}
	return append(opts, reschedule)
}

// FreeShift finds the smallest positive multiple of the step, up to the
// horizon, that moves candidate (every occurrence of it) clear of all
// snapshot events and the other candidates while staying in the term.
func (e *Engine) FreeShift(candidate model.Event, candidates, snapshot []model.Event) (time.Duration, bool) {
	tl := e.buildTimeline(candidates, snapshot, func(ev model.Event) bool {
		return ev.ID != "" && ev.ID == candidate.ID
	})
	return e.freeShift(candidate, -1, tl)
}

// timeline is the expanded calendar ordered by start. maxDur bounds how far
// before a given time an overlapping occurrence can start.
type timeline struct {
	occs   []occurrence
	maxDur time.Duration
}

// buildTimeline expands snapshot and candidates once. Candidates matching skip
// are left out.
func (e *Engine) buildTimeline(candidates, snapshot []model.Event, skip func(model.Event) bool) timeline {
	var tl timeline
	tl.occs = make([]occurrence, 0, len(candidates)+len(snapshot))
	add := func(ev model.Event, series int, candidate bool) {
		for _, o := range e.expand(ev) {
			tl.occs = append(tl.occs, occurrence{event: o, series: series, candidate: candidate})
			tl.maxDur = max(tl.maxDur, o.Duration())
		}
	}
	for i, ev := range snapshot {
		add(ev, i, false)
	}
	for i, ev := range candidates {
		if skip != nil && skip(ev) {
			continue
		}
		add(ev, i, true)
	}

	slices.SortStableFunc(tl.occs, func(a, b occurrence) int {
		if c := a.event.Start.Compare(b.event.Start); c != 0 {
			return c
		}
		return a.event.End.Compare(b.event.End)
	})
	return tl
}

// freeShift searches tl for a slot for candidate. The candidate series at
// index self is ignored; -1 ignores none.
func (e *Engine) freeShift(candidate model.Event, self int, tl timeline) (time.Duration, bool) {
	for shift := e.step; shift <= e.horizon; shift += e.step {
		moved := candidate.Shift(shift)
		if moved.Start.Before(e.term.Start) || moved.End.After(e.term.End) {
			return 0, false
		}
		blocked := slices.ContainsFunc(e.expand(moved), func(occ model.Event) bool {
			return e.blocked(tl, occ, self)
		})
		if !blocked {
			return shift, true
		}
	}
	return 0, false
}

// blocked reports whether occ conflicts with an occurrence in tl. Only the
// occurrences starting within maxDur before occ are visited.
func (e *Engine) blocked(tl timeline, occ model.Event, self int) bool {
	from := occ.Start.Add(-tl.maxDur)
	i := sort.Search(len(tl.occs), func(i int) bool {
		return tl.occs[i].event.Start.After(from)
	})
	for _, o := range tl.occs[i:] {
		if !o.event.Start.Before(occ.End) {
			break
		}
		if o.candidate && o.series == self {
			continue
		}
		if e.Conflicts(occ, o.event) {
			return true
		}
	}
	return false
}

func formatShift(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m == 0:
		return fmt.Sprintf("%d h", h)
	default:
		return fmt.Sprintf("%d h %d min", h, m)
	}
}
