package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/interpreter"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// InterpreterAgent exposes an Interpreter on the router.
type InterpreterAgent struct {
	interp *interpreter.Interpreter
	logger *logger.Logger
}

// NewInterpreterAgent creates the interpreter component.
func NewInterpreterAgent(interp *interpreter.Interpreter, log *logger.Logger) *InterpreterAgent {
	return &InterpreterAgent{interp: interp, logger: log.Named(mcp.Interpreter)}
}

// Name returns the router name.
func (a *InterpreterAgent) Name() string { return mcp.Interpreter }

// Version returns the component version.
func (a *InterpreterAgent) Version() string { return Version }

// Capabilities lists the handled actions.
func (a *InterpreterAgent) Capabilities() []string {
	return []string{ActionInterpret, "backend:" + a.interp.Backend()}
}

// Handle interprets the text of an interpret request.
func (a *InterpreterAgent) Handle(ctx context.Context, env model.Envelope) model.Envelope {
	if env.Payload.Action != ActionInterpret {
		return unsupported(a.Name(), env)
	}
	var req InterpretRequest
	if err := env.Payload.Decode(&req); err != nil {
		return env.ReplyError(a.Name(), err)
	}

	intent, err := a.interp.Interpret(ctx, req.Text, req.Context)
	if err != nil {
		a.logger.WithConversation(env.ConversationID).Warn("interpretation failed", zap.Error(err))
		return env.ReplyError(a.Name(), err)
	}
	return reply(a.Name(), env, ActionIntent, intent)
}
