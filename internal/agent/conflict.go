package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/conflict"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

// ConflictAgent exposes the conflict engine on the router.
type ConflictAgent struct {
	engine *conflict.Engine
	term   model.TimeRange
	loc    *time.Location
}

// NewConflictAgent creates the conflict component. Candidates outside term
// are rejected; events are compared in loc.
func NewConflictAgent(engine *conflict.Engine, term model.TimeRange, loc *time.Location) *ConflictAgent {
	return &ConflictAgent{engine: engine, term: term, loc: loc}
}

// Name returns the router name.
func (a *ConflictAgent) Name() string { return mcp.ConflictEngine }

// Version returns the component version.
func (a *ConflictAgent) Version() string { return Version }

// Capabilities lists the handled actions.
func (a *ConflictAgent) Capabilities() []string {
	return []string{ActionEvaluate}
}

// Handle evaluates candidates against the snapshot of an evaluate request.
func (a *ConflictAgent) Handle(_ context.Context, env model.Envelope) model.Envelope {
	if env.Payload.Action != ActionEvaluate {
		return unsupported(a.Name(), env)
	}
	var req EvaluateRequest
	if err := env.Payload.Decode(&req); err != nil {
		return env.ReplyError(a.Name(), err)
	}
	localize(req.Candidates, a.loc)
	localize(req.Snapshot, a.loc)
	for i, c := range req.Candidates {
		if err := c.Validate(a.term); err != nil {
			return env.ReplyError(a.Name(), fmt.Errorf("candidate %d: %w", i, err))
		}
	}

	conflicts := a.engine.Evaluate(req.Candidates, req.Snapshot)
	metrics.ConflictsDetectedTotal.Add(float64(len(conflicts)))
	return reply(a.Name(), env, ActionConflicts, ConflictsResponse{Conflicts: conflicts})
}
