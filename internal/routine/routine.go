// Package routine holds the durable catalogue of automations: what triggers
// them, what they do, and the guardrails that limit how often and how
// concurrently they may run.
package routine

import "encoding/json"

// TriggerType discriminates the persisted trigger variants.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerEvent   TriggerType = "event"
	TriggerWebhook TriggerType = "webhook"
	TriggerManual  TriggerType = "manual"
)

// Trigger describes what causes a routine to be considered for execution.
// Exactly one variant is meaningful per routine; the Type field selects it.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Cron: opaque schedule expression (e.g. "0 9 * * *"). Parsing and
	// evaluation are owned by the scheduler, not the catalogue.
	Schedule string `json:"schedule,omitempty"`

	// Event: regex pattern matched against inbound message text, with an
	// optional channel restriction. An empty Channel matches all channels.
	Pattern string `json:"pattern,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Webhook: exact URL path an inbound HTTP POST must match.
	Path string `json:"path,omitempty"`
}

// ActionType discriminates the persisted action variants.
type ActionType string

const (
	// ActionLightweight is a single model call with no tool access.
	ActionLightweight ActionType = "lightweight"
	// ActionFullJob delegates to the full agent/tool loop.
	ActionFullJob ActionType = "full_job"
)

// Action describes what happens when a routine fires. The catalogue and the
// dispatch engine carry it through without interpreting the prompt.
type Action struct {
	Type   ActionType `json:"type"`
	Prompt string     `json:"prompt,omitempty"`
}

// Guardrails limit routine execution to prevent abuse or overload.
type Guardrails struct {
	// Minimum seconds between executions.
	CooldownSecs uint64 `json:"cooldown_secs"`
	// Maximum concurrent executions.
	MaxConcurrent int `json:"max_concurrent"`
}

const (
	DefaultCooldownSecs  = 60
	DefaultMaxConcurrent = 1
)

func DefaultGuardrails() Guardrails {
	return Guardrails{CooldownSecs: DefaultCooldownSecs, MaxConcurrent: DefaultMaxConcurrent}
}

// UnmarshalJSON applies defaults for fields omitted from persisted input.
// Explicit zero values are kept as-is (cooldown_secs: 0 is meaningful).
func (g *Guardrails) UnmarshalJSON(b []byte) error {
	type alias Guardrails
	a := alias(DefaultGuardrails())
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*g = Guardrails(a)
	return nil
}

// Routine is a persisted automation definition.
type Routine struct {
	// ID is the unique lookup key, immutable once created.
	ID string `json:"id"`
	// Name is a display label with no uniqueness constraint.
	Name string `json:"name"`
	// Enabled routines are indexed for dispatch; disabled ones stay in the
	// catalogue but are invisible to the engine and to cron enumeration.
	Enabled    bool       `json:"enabled"`
	Trigger    Trigger    `json:"trigger"`
	Action     Action     `json:"action"`
	Guardrails Guardrails `json:"guardrails"`
}

// UnmarshalJSON fills in default guardrails when the whole guardrails object
// is absent from persisted input.
func (r *Routine) UnmarshalJSON(b []byte) error {
	type alias Routine
	a := alias{Guardrails: DefaultGuardrails()}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = Routine(a)
	return nil
}
