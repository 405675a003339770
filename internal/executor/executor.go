// Package executor runs routine actions after the dispatcher has cleared
// admission. It interprets only the action variant; prompt content passes
// through the safety checks (validation, policy rules, injection escaping)
// but is otherwise untouched.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"routined/internal/provider"
	"routined/internal/routine"
	"routined/internal/safety"
	logx "routined/pkg/logx"
)

// AgentRunner is the external full agent/tool loop. full_job actions are
// delegated here; this subsystem never implements the loop itself.
type AgentRunner interface {
	Run(ctx context.Context, prompt string) error
}

// Executor dispatches routine actions to a model provider or the agent loop.
type Executor struct {
	provider provider.Provider
	agent    AgentRunner
	timeout  time.Duration
	log      logx.Logger
}

// New builds an executor. provider may be nil (lightweight actions then
// fail), as may agent (full_job actions then fail); the daemon can run
// dispatch-only.
func New(p provider.Provider, agent AgentRunner, timeout time.Duration, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Executor{provider: p, agent: agent, timeout: timeout, log: log}
}

// Execute runs the routine's action and returns its error, if any.
// The prompt passes three safety stages first: structural validation
// (length, null bytes), the policy rule set, and injection escaping.
// Validation errors and blocking policy violations abort the action;
// everything else is logged and the action proceeds.
func (x *Executor) Execute(ctx context.Context, r routine.Routine) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	prompt := r.Action.Prompt

	if val := safety.Validate(prompt); !val.Valid {
		return fmt.Errorf("prompt rejected: %s", strings.Join(val.Errors, "; "))
	} else if len(val.Warnings) > 0 {
		x.log.Warn("routine prompt looks unusual",
			logx.String("routine", r.ID),
			logx.String("warnings", strings.Join(val.Warnings, "; ")))
	}

	for _, v := range safety.CheckPolicy(prompt) {
		if v.Blocking() {
			return fmt.Errorf("prompt blocked by policy rule %s: %s", v.Rule, v.Description)
		}
		x.log.Warn("routine prompt tripped a policy rule",
			logx.String("routine", r.ID),
			logx.String("rule", v.Rule),
			logx.String("severity", string(v.Severity)),
			logx.String("action", string(v.Action)))
	}

	if scanned := safety.CheckInjection(prompt); scanned.Modified {
		x.log.Warn("routine prompt contained injection patterns; escaped",
			logx.String("routine", r.ID),
			logx.Int("patterns", len(scanned.Warnings)))
		prompt = scanned.Content
	}

	switch r.Action.Type {
	case routine.ActionLightweight:
		if x.provider == nil {
			return errors.New("no model provider configured")
		}
		out, err := x.provider.Complete(ctx, prompt)
		if err != nil {
			return fmt.Errorf("provider %s: %w", x.provider.Name(), err)
		}
		x.log.Debug("lightweight action completed",
			logx.String("routine", r.ID),
			logx.Int("response_len", len(out)))
		return nil
	case routine.ActionFullJob:
		if x.agent == nil {
			return errors.New("no agent runner configured")
		}
		return x.agent.Run(ctx, prompt)
	default:
		return fmt.Errorf("unknown action type %q", r.Action.Type)
	}
}
