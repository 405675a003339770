// Package dispatch matches inbound events, webhooks, and cron enumeration
// against the routine catalogue and gates execution with per-routine
// concurrency counters.
package dispatch

import (
	"regexp"
	"sync/atomic"

	"routined/internal/routine"
	logx "routined/pkg/logx"
)

// compiledPattern is one event trigger ready for matching.
type compiledPattern struct {
	routineID string
	re        *regexp.Regexp
	channel   string // empty means all channels
}

// Engine is the compiled dispatch index built from a catalogue snapshot.
//
// The index (patterns, webhook paths, counter set) is immutable after
// FromStore; only the counter values change, atomically. That makes every
// method safe for concurrent use without locks. The engine does NOT follow
// catalogue mutations: callers rebuild it after add/remove/toggle, and a
// rebuild discards outstanding execution counts.
type Engine struct {
	eventPatterns []compiledPattern
	webhookPaths  map[string]string // path -> routine id
	active        map[string]*atomic.Int64

	skippedPatterns int
}

// TriggerMatch identifies which routine matched and through which mechanism.
// The caller re-fetches the full routine from the catalogue by id.
type TriggerMatch struct {
	RoutineID   string
	TriggerType string // "event" or "webhook"
}

// FromStore builds an engine from the enabled routines in the catalogue.
//
// Invalid event regexes are skipped so one malformed pattern cannot break
// dispatch for every other routine; the skip is logged and counted but no
// error reaches the caller. Duplicate webhook paths resolve last-write-wins.
func FromStore(s *routine.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		webhookPaths: map[string]string{},
		active:       map[string]*atomic.Int64{},
	}

	for _, r := range s.List() {
		if !r.Enabled {
			continue
		}
		e.active[r.ID] = &atomic.Int64{}

		switch r.Trigger.Type {
		case routine.TriggerEvent:
			re, err := regexp.Compile(r.Trigger.Pattern)
			if err != nil {
				e.skippedPatterns++
				log.Warn("invalid event pattern; routine unmatchable until rebuilt",
					logx.String("routine", r.ID),
					logx.String("pattern", r.Trigger.Pattern),
					logx.Err(err))
				continue
			}
			e.eventPatterns = append(e.eventPatterns, compiledPattern{
				routineID: r.ID,
				re:        re,
				channel:   r.Trigger.Channel,
			})
		case routine.TriggerWebhook:
			e.webhookPaths[r.Trigger.Path] = r.ID
		default:
			// cron and manual are not indexed here
		}
	}
	return e
}

// CheckEventTriggers tests message against every compiled event pattern and
// returns all matches in compile order. A pattern with a channel filter only
// tests when channel equals the filter exactly (case-sensitive). No priority
// exists between matches; callers wanting first-match-wins impose it
// themselves.
func (e *Engine) CheckEventTriggers(channel, message string) []TriggerMatch {
	var matches []TriggerMatch
	for _, p := range e.eventPatterns {
		if p.channel != "" && p.channel != channel {
			continue
		}
		if p.re.MatchString(message) {
			matches = append(matches, TriggerMatch{RoutineID: p.routineID, TriggerType: "event"})
		}
	}
	return matches
}

// CheckWebhookTrigger looks up an exact webhook path. At most one routine can
// match because the index is a single-valued map.
func (e *Engine) CheckWebhookTrigger(path string) (TriggerMatch, bool) {
	id, ok := e.webhookPaths[path]
	if !ok {
		return TriggerMatch{}, false
	}
	return TriggerMatch{RoutineID: id, TriggerType: "webhook"}, true
}

// CronRoutines returns enabled cron routines read live from the supplied
// catalogue, not from the engine's snapshot. Cron enumeration is polled
// frequently, so it tracks enabled/disabled state without a rebuild, unlike
// event/webhook matching, which only reflects the construction-time snapshot.
func (e *Engine) CronRoutines(s *routine.Store) []*routine.Routine {
	var out []*routine.Routine
	list := s.List()
	for i := range list {
		if list[i].Enabled && list[i].Trigger.Type == routine.TriggerCron {
			out = append(out, &list[i])
		}
	}
	return out
}

// CanExecute reports whether the routine is below its max_concurrent limit.
// Ids the engine does not track fail open (true), e.g. when the snapshot
// predates the routine's creation. Note the asymmetry with the catalogue's
// CheckCooldown, which fails closed for unknown ids; both behaviors are
// load-bearing for callers.
//
// CanExecute followed by StartExecution is not atomic as a pair; under
// contention two callers can both pass the check. Acceptable for admission
// control at this scale.
func (e *Engine) CanExecute(r *routine.Routine) bool {
	c, ok := e.active[r.ID]
	if !ok {
		return true
	}
	return c.Load() < int64(r.Guardrails.MaxConcurrent)
}

// StartExecution increments the active counter for id if tracked.
func (e *Engine) StartExecution(id string) {
	if c, ok := e.active[id]; ok {
		c.Add(1)
	}
}

// FinishExecution decrements the active counter for id, never below zero,
// even when called more times than StartExecution.
func (e *Engine) FinishExecution(id string) {
	c, ok := e.active[id]
	if !ok {
		return
	}
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveCount returns the current counter value for id (0 if untracked).
func (e *Engine) ActiveCount(id string) int64 {
	if c, ok := e.active[id]; ok {
		return c.Load()
	}
	return 0
}

// EventPatternCount returns the number of successfully compiled event patterns.
func (e *Engine) EventPatternCount() int { return len(e.eventPatterns) }

// WebhookPathCount returns the number of registered webhook paths.
func (e *Engine) WebhookPathCount() int { return len(e.webhookPaths) }

// SkippedPatternCount returns how many event patterns failed to compile and
// were dropped from the index.
func (e *Engine) SkippedPatternCount() int { return e.skippedPatterns }
