package dispatch

import (
	"path/filepath"
	"testing"

	"routined/internal/routine"
	logx "routined/pkg/logx"
)

func storeWith(t *testing.T, routines ...routine.Routine) *routine.Store {
	t.Helper()
	s := routine.NewStore(filepath.Join(t.TempDir(), "routines.json"), logx.Nop())
	for _, r := range routines {
		if err := s.Add(r); err != nil {
			t.Fatalf("add %s: %v", r.ID, err)
		}
	}
	return s
}

func eventRoutine(id, pattern, channel string) routine.Routine {
	return routine.Routine{
		ID:         id,
		Name:       id,
		Enabled:    true,
		Trigger:    routine.Trigger{Type: routine.TriggerEvent, Pattern: pattern, Channel: channel},
		Action:     routine.Action{Type: routine.ActionLightweight, Prompt: "p"},
		Guardrails: routine.DefaultGuardrails(),
	}
}

func webhookRoutine(id, path string) routine.Routine {
	return routine.Routine{
		ID:         id,
		Name:       id,
		Enabled:    true,
		Trigger:    routine.Trigger{Type: routine.TriggerWebhook, Path: path},
		Action:     routine.Action{Type: routine.ActionFullJob, Prompt: "p"},
		Guardrails: routine.DefaultGuardrails(),
	}
}

func cronRoutine(id, spec string) routine.Routine {
	return routine.Routine{
		ID:         id,
		Name:       id,
		Enabled:    true,
		Trigger:    routine.Trigger{Type: routine.TriggerCron, Schedule: spec},
		Action:     routine.Action{Type: routine.ActionLightweight, Prompt: "p"},
		Guardrails: routine.DefaultGuardrails(),
	}
}

func TestCheckEventTriggersMatch(t *testing.T) {
	s := storeWith(t,
		eventRoutine("deploy", `(?i)deploy`, ""),
		eventRoutine("greet", `^hello`, ""),
	)
	e := FromStore(s, logx.Nop())

	got := e.CheckEventTriggers("any", "please DEPLOY now")
	if len(got) != 1 || got[0].RoutineID != "deploy" {
		t.Fatalf("matches = %+v, want only deploy", got)
	}
	if got[0].TriggerType != "event" {
		t.Errorf("trigger type = %q, want event", got[0].TriggerType)
	}

	if got := e.CheckEventTriggers("any", "nothing relevant"); len(got) != 0 {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestCheckEventTriggersMultipleMatchesInOrder(t *testing.T) {
	s := storeWith(t,
		eventRoutine("a", `ping`, ""),
		eventRoutine("b", `ping`, ""),
	)
	e := FromStore(s, logx.Nop())

	got := e.CheckEventTriggers("any", "ping")
	if len(got) != 2 || got[0].RoutineID != "a" || got[1].RoutineID != "b" {
		t.Fatalf("matches = %+v, want [a b]", got)
	}
}

func TestCheckEventTriggersChannelFilter(t *testing.T) {
	s := storeWith(t, eventRoutine("ops-only", `alert`, "ops"))
	e := FromStore(s, logx.Nop())

	if got := e.CheckEventTriggers("ops", "alert fired"); len(got) != 1 {
		t.Fatalf("matching channel: got %+v", got)
	}
	if got := e.CheckEventTriggers("dev", "alert fired"); len(got) != 0 {
		t.Fatalf("wrong channel must not match: got %+v", got)
	}
	// case-sensitive comparison
	if got := e.CheckEventTriggers("Ops", "alert fired"); len(got) != 0 {
		t.Fatalf("channel filter must be case-sensitive: got %+v", got)
	}
}

func TestCheckEventTriggersEmptyChannelMatchesAll(t *testing.T) {
	s := storeWith(t, eventRoutine("anywhere", `alert`, ""))
	e := FromStore(s, logx.Nop())

	for _, ch := range []string{"ops", "dev", ""} {
		if got := e.CheckEventTriggers(ch, "alert"); len(got) != 1 {
			t.Fatalf("channel %q: got %+v, want 1 match", ch, got)
		}
	}
}

func TestDisabledRoutinesNotIndexed(t *testing.T) {
	r := eventRoutine("off", `.*`, "")
	r.Enabled = false
	w := webhookRoutine("woff", "/h")
	w.Enabled = false
	s := storeWith(t, r, w)
	e := FromStore(s, logx.Nop())

	if got := e.CheckEventTriggers("any", "x"); len(got) != 0 {
		t.Fatalf("disabled event routine matched: %+v", got)
	}
	if _, ok := e.CheckWebhookTrigger("/h"); ok {
		t.Fatal("disabled webhook routine matched")
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	s := storeWith(t,
		eventRoutine("bad", `([unclosed`, ""),
		eventRoutine("good", `ok`, ""),
	)
	e := FromStore(s, logx.Nop())

	if e.SkippedPatternCount() != 1 {
		t.Fatalf("skipped = %d, want 1", e.SkippedPatternCount())
	}
	if e.EventPatternCount() != 1 {
		t.Fatalf("compiled = %d, want 1", e.EventPatternCount())
	}
	if got := e.CheckEventTriggers("any", "ok"); len(got) != 1 || got[0].RoutineID != "good" {
		t.Fatalf("good pattern must survive a bad sibling: %+v", got)
	}
}

func TestCheckWebhookTrigger(t *testing.T) {
	s := storeWith(t, webhookRoutine("hook", "/hooks/build"))
	e := FromStore(s, logx.Nop())

	m, ok := e.CheckWebhookTrigger("/hooks/build")
	if !ok || m.RoutineID != "hook" || m.TriggerType != "webhook" {
		t.Fatalf("match = %+v ok=%v", m, ok)
	}
	if _, ok := e.CheckWebhookTrigger("/hooks/other"); ok {
		t.Fatal("unknown path matched")
	}
	// exact match only, no prefix semantics
	if _, ok := e.CheckWebhookTrigger("/hooks/build/extra"); ok {
		t.Fatal("sub-path must not match")
	}
}

func TestWebhookDuplicatePathLastWriteWins(t *testing.T) {
	s := storeWith(t,
		webhookRoutine("first", "/h"),
		webhookRoutine("second", "/h"),
	)
	e := FromStore(s, logx.Nop())

	m, ok := e.CheckWebhookTrigger("/h")
	if !ok || m.RoutineID != "second" {
		t.Fatalf("got %+v ok=%v, want second", m, ok)
	}
	if e.WebhookPathCount() != 1 {
		t.Fatalf("path count = %d, want 1", e.WebhookPathCount())
	}
}

func TestCronRoutinesReadsLiveStore(t *testing.T) {
	s := storeWith(t, cronRoutine("tick", "* * * * *"))
	e := FromStore(s, logx.Nop())

	if got := e.CronRoutines(s); len(got) != 1 || got[0].ID != "tick" {
		t.Fatalf("cron routines = %+v", got)
	}

	// disable after the engine snapshot; enumeration must see it
	if _, err := s.Toggle("tick"); err != nil {
		t.Fatal(err)
	}
	if got := e.CronRoutines(s); len(got) != 0 {
		t.Fatalf("disabled cron routine still enumerated: %+v", got)
	}
}

func TestConcurrencyGate(t *testing.T) {
	r := eventRoutine("r1", `x`, "")
	r.Guardrails.MaxConcurrent = 2
	s := storeWith(t, r)
	e := FromStore(s, logx.Nop())
	rp, _ := s.Get("r1")

	if !e.CanExecute(rp) {
		t.Fatal("idle routine must be executable")
	}
	e.StartExecution("r1")
	if !e.CanExecute(rp) {
		t.Fatal("one of two slots used; must still be executable")
	}
	e.StartExecution("r1")
	if e.CanExecute(rp) {
		t.Fatal("both slots used; must be blocked")
	}
	e.FinishExecution("r1")
	if !e.CanExecute(rp) {
		t.Fatal("slot freed; must be executable again")
	}
	if e.ActiveCount("r1") != 1 {
		t.Fatalf("active = %d, want 1", e.ActiveCount("r1"))
	}
}

func TestFinishExecutionNeverUnderflows(t *testing.T) {
	s := storeWith(t, eventRoutine("r1", `x`, ""))
	e := FromStore(s, logx.Nop())

	e.FinishExecution("r1")
	e.FinishExecution("r1")
	if got := e.ActiveCount("r1"); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
}

func TestCanExecuteUntrackedFailsOpen(t *testing.T) {
	s := storeWith(t)
	e := FromStore(s, logx.Nop())

	ghost := eventRoutine("ghost", `x`, "")
	if !e.CanExecute(&ghost) {
		t.Fatal("untracked id must fail open")
	}
	// start/finish for untracked ids are no-ops
	e.StartExecution("ghost")
	e.FinishExecution("ghost")
	if e.ActiveCount("ghost") != 0 {
		t.Fatal("untracked id must stay at zero")
	}
}
