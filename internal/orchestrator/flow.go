package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/agent"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/recurrence"
)

// call sends a request to recipient, delivers it and decodes the matching
// response into out. Anything else found in the orchestrator lane for this
// conversation is a protocol error.
func (o *Orchestrator) call(ctx context.Context, conversationID, recipient, action string, data, out any) error {
	req, err := model.NewRequest(mcp.Orchestrator, recipient, conversationID, action, data)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}
	if err := o.router.Send(req); err != nil {
		return err
	}
	o.router.Pump(ctx, conversationID)

	var (
		resp      model.Envelope
		matched   bool
		unmatched int
	)
	for env := range o.router.Receive(mcp.Orchestrator, conversationID) {
		if env.Kind == model.KindResponse && env.CorrelationID == req.CorrelationID && !matched {
			resp, matched = env, true
			continue
		}
		if env.Kind == model.KindNotification {
			continue
		}
		unmatched++
		o.logger.WithEnvelope(env.MessageID, env.Sender, env.Recipient, env.CorrelationID).
			Warn("unmatched response", zap.String("action", env.Payload.Action))
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case unmatched > 0:
		return fmt.Errorf("%w: %d unmatched response(s) while waiting for %s", model.ErrProtocol, unmatched, action)
	case !matched:
		return fmt.Errorf("%w: no response from %s to %s", model.ErrProtocol, recipient, action)
	case resp.IsError():
		return resp.Err()
	}
	return resp.Payload.Decode(out)
}

func (o *Orchestrator) interpret(ctx context.Context, s *Session, text string, history []model.Turn) (model.Intent, error) {
	tc := model.TurnContext{
		ConversationID: s.id,
		History:        history,
		Subjects:       o.cfg.Subjects,
		Locations:      o.cfg.Locations,
		Timezone:       o.cfg.Location.String(),
		Term:           o.cfg.Term,
		Now:            o.today(),
	}
	var intent model.Intent
	if err := o.call(ctx, s.id, mcp.Interpreter, agent.ActionInterpret, agent.InterpretRequest{Text: text, Context: tc}, &intent); err != nil {
		return model.Intent{}, err
	}
	if !intent.Action.Valid() {
		return model.Intent{}, fmt.Errorf("%w: unknown action %q", model.ErrInterpreterUnavailable, intent.Action)
	}
	intent.NeedsConfirmation = intent.NeedsConfirmation || intent.Action.Destructive()
	for i := range intent.Events {
		intent.Events[i].Start = intent.Events[i].Start.In(o.cfg.Location)
		intent.Events[i].End = intent.Events[i].End.In(o.cfg.Location)
	}
	return intent, nil
}

// today is the start of the current day, so interpretations stay stable for
// the whole day.
func (o *Orchestrator) today() time.Time {
	now := o.cfg.Now().In(o.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.cfg.Location)
}

func (o *Orchestrator) listEvents(ctx context.Context, conversationID string, window model.TimeRange) ([]model.Event, error) {
	var resp agent.EventsResponse
	if err := o.call(ctx, conversationID, mcp.Calendar, agent.ActionListEvents, agent.ListEventsRequest{Window: window}, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Events {
		resp.Events[i].Start = resp.Events[i].Start.In(o.cfg.Location)
		resp.Events[i].End = resp.Events[i].End.In(o.cfg.Location)
	}
	return resp.Events, nil
}

// query answers a read-only request.
func (o *Orchestrator) query(ctx context.Context, s *Session, epoch uint64, intent model.Intent) model.TurnResult {
	if !s.advance(epoch, model.StageApplying) {
		return cancelledResult()
	}
	window, ok := intent.Range()
	if !ok {
		window = o.cfg.Term
	}
	events, err := o.listEvents(context.WithoutCancel(ctx), s.id, window)
	if err != nil {
		return o.fail(s, epoch, err)
	}
	occurrences, err := recurrence.NewExpander(o.cfg.Term).Expand(events, window)
	if err != nil {
		return o.fail(s, epoch, err)
	}
	matches := slices.DeleteFunc(occurrences, func(e model.Event) bool { return !matchesEntities(e, intent) })

	s.reset(epoch)
	return model.TurnResult{
		Success: true,
		Message: describeEvents(matches, window),
		Events:  matches,
	}
}

// plan evaluates the events a create or update would write.
func (o *Orchestrator) plan(ctx context.Context, s *Session, epoch uint64, intent model.Intent) model.TurnResult {
	p := &plan{replaces: make(map[string]string)}

	switch intent.Action {
	case model.ActionCreate:
		if len(intent.Events) == 0 {
			return o.fail(s, epoch, model.NewValidationError("event", "needs a day and a time range, for example \"tomorrow 14:00-15:00\""))
		}
		for _, e := range intent.Events {
			p.batch.Creates = append(p.batch.Creates, o.prepare(e))
		}
		if err := o.validate(p.batch.Creates); err != nil {
			return o.fail(s, epoch, err)
		}
		snapshot, err := o.listEvents(ctx, s.id, o.cfg.Term)
		if err != nil {
			return o.fail(s, epoch, err)
		}
		p.snapshot = snapshot

	case model.ActionUpdate:
		snapshot, err := o.listEvents(ctx, s.id, o.cfg.Term)
		if err != nil {
			return o.fail(s, epoch, err)
		}
		target, err := resolveOne(snapshot, intent)
		if err != nil {
			return o.fail(s, epoch, err)
		}
		if len(intent.Events) == 0 {
			return o.fail(s, epoch, model.NewValidationError("event", "needs the new day and time range"))
		}
		updated := o.prepare(merge(target, intent.Events[0]))
		if err := o.validate([]model.Event{updated}); err != nil {
			return o.fail(s, epoch, err)
		}
		p.batch.Creates = []model.Event{updated}
		p.batch.Deletes = []model.Event{target}
		p.replaces[updated.ID] = target.ID
		p.snapshot = slices.DeleteFunc(snapshot, func(e model.Event) bool { return e.ID == target.ID })
	}

	var resp agent.ConflictsResponse
	req := agent.EvaluateRequest{Candidates: p.batch.Creates, Snapshot: p.snapshot}
	if err := o.call(ctx, s.id, mcp.ConflictEngine, agent.ActionEvaluate, req, &resp); err != nil {
		return o.fail(s, epoch, err)
	}
	p.conflicts = resp.Conflicts
	p.choices = make(map[string]model.ResolutionAction)
	s.setPlan(p)

	if len(p.conflicts) > 0 {
		if !s.advance(epoch, model.StageAwaitingConflictChoice) {
			return cancelledResult()
		}
		return model.TurnResult{
			Success:          true,
			Message:          describeConflicts(p.conflicts),
			PendingConflicts: p.conflicts,
			RequiresChoice:   true,
		}
	}
	if intent.NeedsConfirmation {
		if !s.advance(epoch, model.StageAwaitingConfirmation) {
			return cancelledResult()
		}
		return model.TurnResult{
			Success:              true,
			Message:              describeBatch(p.batch) + " Confirm?",
			RequiresConfirmation: true,
		}
	}
	return o.apply(ctx, s, epoch)
}

// planRemoval resolves the events a delete or bulk request removes.
func (o *Orchestrator) planRemoval(ctx context.Context, s *Session, epoch uint64, intent model.Intent) model.TurnResult {
	snapshot, err := o.listEvents(ctx, s.id, o.cfg.Term)
	if err != nil {
		return o.fail(s, epoch, err)
	}
	targets, err := resolveTargets(snapshot, intent)
	if err != nil {
		return o.fail(s, epoch, err)
	}
	s.setPlan(&plan{batch: model.Batch{Deletes: targets}, snapshot: snapshot})

	if intent.NeedsConfirmation {
		if !s.advance(epoch, model.StageAwaitingConfirmation) {
			return cancelledResult()
		}
		return model.TurnResult{
			Success:              true,
			Message:              describeBatch(model.Batch{Deletes: targets}) + " Confirm?",
			RequiresConfirmation: true,
			Events:               targets,
		}
	}
	return o.apply(ctx, s, epoch)
}

// apply writes the pending batch. Once applying, the batch runs to
// completion even if the caller goes away.
func (o *Orchestrator) apply(ctx context.Context, s *Session, epoch uint64) model.TurnResult {
	if !s.advance(epoch, model.StageApplying) {
		return cancelledResult()
	}
	_, p := s.pending()
	if p == nil || p.batch.Empty() {
		s.reset(epoch)
		return model.TurnResult{Success: true, Message: "Nothing to change."}
	}

	var res model.BatchResult
	if err := o.call(context.WithoutCancel(ctx), s.id, mcp.Calendar, agent.ActionApplyBatch, p.batch, &res); err != nil {
		return o.fail(s, epoch, err)
	}

	o.logger.WithConversation(s.id).Info("batch applied",
		zap.Int("created", len(res.Created)),
		zap.Int("deleted", len(res.Deleted)),
	)
	s.reset(epoch)
	return model.TurnResult{
		Success: true,
		Message: describeApplied(res),
		Events:  res.Created,
	}
}

// prepare assigns an id and the configured zone to a drafted event.
func (o *Orchestrator) prepare(e model.Event) model.Event {
	out := e.Clone()
	if out.ID == "" {
		out.ID = uuid.Must(uuid.NewV7()).String()
	}
	if out.Type == "" {
		out.Type = model.EventTypeOther
	}
	out.Start = out.Start.In(o.cfg.Location)
	out.End = out.End.In(o.cfg.Location)
	return out
}

// validate checks candidates before anything is sent to the conflict engine.
func (o *Orchestrator) validate(events []model.Event) error {
	for _, e := range events {
		if err := e.Validate(o.cfg.Term); err != nil {
			return err
		}
	}
	return nil
}

// merge applies the fields of draft onto a copy of target.
func merge(target, draft model.Event) model.Event {
	out := target.Clone()
	out.ID = ""
	if !draft.Start.IsZero() && !draft.End.IsZero() {
		out.Start, out.End = draft.Start, draft.End
	}
	if draft.Title != "" {
		out.Title = draft.Title
	}
	if draft.Location != "" {
		out.Location = draft.Location
	}
	if draft.Subject != "" {
		out.Subject = draft.Subject
	}
	if draft.Type != "" && draft.Type != model.EventTypeOther {
		out.Type = draft.Type
	}
	if draft.Recurrence != nil {
		r := *draft.Recurrence
		out.Recurrence = &r
	}
	return out
}

// resolveTargets selects the snapshot events an intent refers to.
func resolveTargets(snapshot []model.Event, intent model.Intent) ([]model.Event, error) {
	if len(intent.TargetIDs) > 0 {
		out := make([]model.Event, 0, len(intent.TargetIDs))
		for _, id := range intent.TargetIDs {
			i := slices.IndexFunc(snapshot, func(e model.Event) bool { return e.ID == id })
			if i < 0 {
				return nil, model.NewValidationError("event_id", fmt.Sprintf("%s does not match any event", id))
			}
			out = append(out, snapshot[i])
		}
		return out, nil
	}

	_, hasWindow := intent.Range()
	if !hasWindow && intent.Entities[model.EntityTitle] == "" &&
		intent.Entities[model.EntitySubject] == "" && intent.Entities[model.EntityLocation] == "" {
		return nil, model.NewValidationError("target", "name the event or the day it is on")
	}

	var out []model.Event
	for _, e := range snapshot {
		if matchesEntities(e, intent) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, model.NewValidationError("target", "no matching event in the calendar")
	}
	return out, nil
}

func resolveOne(snapshot []model.Event, intent model.Intent) (model.Event, error) {
	targets, err := resolveTargets(snapshot, intent)
	if err != nil {
		return model.Event{}, err
	}
	if len(targets) > 1 {
		return model.Event{}, model.NewValidationError("target",
			fmt.Sprintf("matches %d events; name it more precisely", len(targets)))
	}
	return targets[0], nil
}

// matchesEntities reports whether e satisfies every filter the intent names.
func matchesEntities(e model.Event, intent model.Intent) bool {
	if window, ok := intent.Range(); ok && !calendar.Intersects(e, window) {
		return false
	}
	if v := intent.Entities[model.EntitySubject]; v != "" &&
		!strings.EqualFold(normalizeCode(e.Subject), normalizeCode(v)) &&
		!strings.Contains(strings.ToLower(e.Title), strings.ToLower(v)) {
		return false
	}
	if v := intent.Entities[model.EntityTitle]; v != "" && !strings.Contains(strings.ToLower(e.Title), strings.ToLower(v)) {
		return false
	}
	if v := intent.Entities[model.EntityLocation]; v != "" && !strings.EqualFold(e.Location, v) {
		return false
	}
	return true
}

func normalizeCode(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// resolve turns a plan and its conflict choices into the batch to apply.
// Dropping a candidate wins over other choices made for it, and dropping an
// update also keeps the event it would have replaced.
func resolve(p *plan) model.Batch {
	dropped := make(map[string]bool)
	shifts := make(map[string]time.Duration)
	for _, c := range p.conflicts {
		switch p.choices[c.ID] {
		case model.ResolutionKeepExistingDropNew:
			dropped[c.Candidate.ID] = true
		case model.ResolutionRescheduleNew:
			if opt, ok := c.Option(model.ResolutionRescheduleNew); ok && opt.Available {
				shifts[c.Candidate.ID] = opt.Shift
			}
		}
	}

	var out model.Batch
	deleted := make(map[string]bool)
	addDelete := func(e model.Event) {
		if !deleted[e.ID] {
			deleted[e.ID] = true
			out.Deletes = append(out.Deletes, e)
		}
	}

	kept := make(map[string]bool)
	for _, e := range p.batch.Creates {
		if dropped[e.ID] {
			continue
		}
		kept[e.ID] = true
		if d, ok := shifts[e.ID]; ok {
			e = e.Shift(d)
		}
		out.Creates = append(out.Creates, e)
	}

	for _, e := range p.batch.Deletes {
		if replacedBy, ok := replacing(p.replaces, e.ID); ok && !kept[replacedBy] {
			continue
		}
		addDelete(e)
	}
	for _, c := range p.conflicts {
		if p.choices[c.ID] != model.ResolutionKeepNewDropExisting || !kept[c.Candidate.ID] {
			continue
		}
		if i := slices.IndexFunc(p.snapshot, func(e model.Event) bool { return e.ID == c.Existing.ID }); i >= 0 {
			addDelete(p.snapshot[i])
		}
	}
	return out
}

func replacing(replaces map[string]string, targetID string) (string, bool) {
	for candidate, target := range replaces {
		if target == targetID {
			return candidate, true
		}
	}
	return "", false
}

// recordChoices validates and stores choices. Nothing is stored if any
// choice is invalid.
func (s *Session) recordChoices(choices []model.Choice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan == nil {
		return fmt.Errorf("%w: no conflicts pending", model.ErrProtocol)
	}
	if len(choices) == 0 {
		return model.NewValidationError("choice", "at least one choice is required")
	}

	picked := make(map[string]model.ResolutionAction)
	for _, ch := range choices {
		if !slices.Contains(model.ResolutionOrder, ch.Option) {
			return model.NewValidationError("option", fmt.Sprintf("%q is not a resolution option", ch.Option))
		}
		for _, c := range s.plan.conflicts {
			if ch.ConflictID != "" && ch.ConflictID != c.ID {
				continue
			}
			if _, done := s.plan.choices[c.ID]; done && ch.ConflictID == "" {
				continue
			}
			if opt, ok := c.Option(ch.Option); !ok || !opt.Available {
				return model.NewValidationError("option", fmt.Sprintf("%s is not available for conflict %s", ch.Option, c.ID))
			}
			picked[c.ID] = ch.Option
		}
		if ch.ConflictID != "" && !slices.ContainsFunc(s.plan.conflicts, func(c model.Conflict) bool { return c.ID == ch.ConflictID }) {
			return model.NewValidationError("conflict_id", fmt.Sprintf("%s is not a pending conflict", ch.ConflictID))
		}
	}

	// Copy on write: pending() hands plans out without the lock.
	next := *s.plan
	next.choices = make(map[string]model.ResolutionAction, len(s.plan.choices)+len(picked))
	for id, a := range s.plan.choices {
		next.choices[id] = a
	}
	for id, a := range picked {
		next.choices[id] = a
	}
	s.plan = &next
	s.updatedAt = time.Now().UTC()
	return nil
}
