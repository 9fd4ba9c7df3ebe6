package engine

import "encoding/json"

// StateChange records one field mutation applied while processing an event.
// Old and new values are JSON-encoded so heterogeneous fields share one
// record shape.
type StateChange struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Field      string          `json:"field"`
	OldValue   json.RawMessage `json:"old_value"`
	NewValue   json.RawMessage `json:"new_value"`
}

// RollRecord captures one resolved roll, including reroll history when the
// roll was rerolled. The original values are never discarded.
type RollRecord struct {
	GhostID       string `json:"ghost_id"`
	Channel       string `json:"channel"`
	Count         int    `json:"count"`
	Sides         int    `json:"sides"`
	Results       []int  `json:"results"`
	Total         int    `json:"total"`
	Modifier      int    `json:"modifier,omitempty"`
	Difficulty    int    `json:"difficulty,omitempty"`
	Success       bool   `json:"success"`
	Rerolled      bool   `json:"rerolled,omitempty"`
	RerollResults []int  `json:"reroll_results,omitempty"`
	RerollTotal   int    `json:"reroll_total,omitempty"`
}

// ErrorDescriptor is the wire form of an engine error inside a Result.
type ErrorDescriptor struct {
	Code     Code              `json:"code"`
	Class    Class             `json:"class"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the uniform outcome of processing one event envelope. Both
// successes and rule failures are Results; only infrastructure faults
// surface as Go errors from the dispatcher.
type Result struct {
	Success           bool             `json:"success"`
	Kind              Kind             `json:"event_type"`
	Seq               uint64           `json:"seq,omitempty"`
	Data              json.RawMessage  `json:"data,omitempty"`
	Changes           []StateChange    `json:"state_changes,omitempty"`
	Rolls             []RollRecord     `json:"rolls,omitempty"`
	Narrative         string           `json:"narrative,omitempty"`
	NarrationDegraded bool             `json:"narration_degraded,omitempty"`
	Err               *ErrorDescriptor `json:"error,omitempty"`
}

// Failure builds a failed Result for the given kind and engine error.
func Failure(kind Kind, err *Error) Result {
	return Result{
		Kind: kind,
		Err: &ErrorDescriptor{
			Code:     err.Code,
			Class:    err.Code.ErrorClass(),
			Message:  err.Message,
			Metadata: err.Metadata,
		},
	}
}

// Per-kind data payloads carried in Result.Data. Marshaling is done once at
// resolution time so replays of the same envelope produce byte-identical
// records.

type SkillCheckData struct {
	Channel  string `json:"channel"`
	Growth   int    `json:"growth,omitempty"`
	NewValue int    `json:"new_value,omitempty"`
}

type RerollData struct {
	AbilityID     string `json:"ability_id"`
	RemainingUses int    `json:"remaining_uses"`
	KeptTotal     int    `json:"kept_total"`
	KeptOriginal  bool   `json:"kept_original"`
}

type AttackData struct {
	TargetGhostID string `json:"target_ghost_id"`
	Damage        int    `json:"damage"`
	GuardAbsorbed int    `json:"guard_absorbed,omitempty"`
	TargetHP      int    `json:"target_hp"`
	Collapsed     bool   `json:"collapsed,omitempty"`
	FragmentID    string `json:"fragment_id,omitempty"`
}

type DefendData struct {
	Guard int `json:"guard"`
}

type UseAbilityData struct {
	AbilityID     string `json:"ability_id"`
	RemainingUses int    `json:"remaining_uses"`
	Guard         int    `json:"guard"`
}

type InitiateCommData struct {
	LinkID        string `json:"link_id"`
	TargetGhostID string `json:"target_ghost_id"`
}

type DownloadAbilityData struct {
	AbilityID    string `json:"ability_id"`
	CopiedName   string `json:"copied_name"`
	NewAbilityID string `json:"new_ability_id,omitempty"`
}

type DeepScanData struct {
	Channel string `json:"channel"`
	Archive string `json:"archive"`
}

type AttemptSeizeData struct {
	TargetGhostID string `json:"target_ghost_id"`
	Margin        int    `json:"margin"`
	Seized        bool   `json:"seized"`
	PenaltyDamage int    `json:"penalty_damage,omitempty"`
}

type ApplyFragmentData struct {
	FragmentID string `json:"fragment_id"`
	Channel    string `json:"channel"`
	NewValue   int    `json:"new_value"`
}

type HPChangeData struct {
	Delta     int  `json:"delta"`
	HP        int  `json:"hp"`
	Collapsed bool `json:"collapsed"`
	Recovered bool `json:"recovered,omitempty"`
}

type MoveData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type LifecycleData struct {
	Status string `json:"status,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}
