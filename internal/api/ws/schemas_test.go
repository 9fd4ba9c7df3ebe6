package ws

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeSchemaValidatesSamples(t *testing.T) {
	valid := []string{
		`{"kind":"skill_check","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
		  "seed":7,"payload":{"ghost_id":"ghost-1","channel":"C","difficulty":4}}`,
		`{"kind":"game_start","game_id":"game-1","actor_id":"user-1"}`,
		`{"kind":"attack","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
		  "payload":{"ghost_id":"ghost-1","target_ghost_id":"ghost-2","channel":"C"}}`,
	}
	for _, sample := range valid {
		var v any
		if err := json.Unmarshal([]byte(sample), &v); err != nil {
			t.Fatalf("unmarshal sample: %v", err)
		}
		if err := envelopeSchema.Validate(v); err != nil {
			t.Errorf("expected sample to validate: %v\n%s", err, sample)
		}
	}

	invalid := []struct {
		name   string
		sample string
	}{
		{name: "unknown kind", sample: `{"kind":"summon_titan","game_id":"g","actor_id":"a"}`},
		{name: "missing game_id", sample: `{"kind":"skill_check","actor_id":"a"}`},
		{name: "missing actor_id", sample: `{"kind":"skill_check","game_id":"g"}`},
		{name: "empty game_id", sample: `{"kind":"skill_check","game_id":"","actor_id":"a"}`},
		{name: "seed not integer", sample: `{"kind":"skill_check","game_id":"g","actor_id":"a","seed":"x"}`},
		{name: "extra property", sample: `{"kind":"skill_check","game_id":"g","actor_id":"a","admin":true}`},
		{name: "payload not object", sample: `{"kind":"skill_check","game_id":"g","actor_id":"a","payload":[1]}`},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			var v any
			if err := json.Unmarshal([]byte(tc.sample), &v); err != nil {
				t.Fatalf("unmarshal sample: %v", err)
			}
			if err := envelopeSchema.Validate(v); err == nil {
				t.Errorf("expected schema rejection:\n%s", tc.sample)
			}
		})
	}
}
