package routine

import (
	"encoding/json"
	"testing"
)

func TestGuardrailsDefaultsWhenOmitted(t *testing.T) {
	var r Routine
	if err := json.Unmarshal([]byte(`{"id":"a","name":"A","enabled":true,"trigger":{"type":"manual"},"action":{"type":"lightweight","prompt":"hi"}}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Guardrails.CooldownSecs != DefaultCooldownSecs {
		t.Errorf("cooldown = %d, want %d", r.Guardrails.CooldownSecs, DefaultCooldownSecs)
	}
	if r.Guardrails.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("max_concurrent = %d, want %d", r.Guardrails.MaxConcurrent, DefaultMaxConcurrent)
	}
}

func TestGuardrailsPartialObjectFillsDefaults(t *testing.T) {
	var g Guardrails
	if err := json.Unmarshal([]byte(`{"cooldown_secs":120}`), &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if g.CooldownSecs != 120 {
		t.Errorf("cooldown = %d, want 120", g.CooldownSecs)
	}
	if g.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("max_concurrent = %d, want default %d", g.MaxConcurrent, DefaultMaxConcurrent)
	}
}

func TestGuardrailsExplicitZeroKept(t *testing.T) {
	var g Guardrails
	if err := json.Unmarshal([]byte(`{"cooldown_secs":0,"max_concurrent":0}`), &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if g.CooldownSecs != 0 {
		t.Errorf("explicit cooldown_secs 0 overwritten to %d", g.CooldownSecs)
	}
	if g.MaxConcurrent != 0 {
		t.Errorf("explicit max_concurrent 0 overwritten to %d", g.MaxConcurrent)
	}
}

func TestTriggerVariantsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   Trigger
	}{
		{"cron", Trigger{Type: TriggerCron, Schedule: "0 9 * * *"}},
		{"event", Trigger{Type: TriggerEvent, Pattern: `(?i)deploy`, Channel: "ops"}},
		{"webhook", Trigger{Type: TriggerWebhook, Path: "/hooks/build"}},
		{"manual", Trigger{Type: TriggerManual}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := json.Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out Trigger
			if err := json.Unmarshal(b, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out != tc.in {
				t.Errorf("round trip changed trigger: got %+v want %+v", out, tc.in)
			}
		})
	}
}
