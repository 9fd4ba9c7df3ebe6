package narration

import "testing"

func TestFallback(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "actor and outcome",
			req:  Request{ActorName: "Mirei/G", Outcome: "hit for 3 damage"},
			want: "Mirei/G: hit for 3 damage",
		},
		{
			name: "no outcome success",
			req:  Request{Kind: "skill_check", Success: true},
			want: "skill_check succeeded",
		},
		{
			name: "no outcome failure",
			req:  Request{Kind: "attack"},
			want: "attack failed",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fallback(tc.req); got != tc.want {
				t.Errorf("Fallback() = %q, want %q", got, tc.want)
			}
		})
	}
}
