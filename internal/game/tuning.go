package game

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning collects the rule constants that the design leaves as policy:
// dice count formulas, combat damage, and seize thresholds. Defaults are
// compiled in; deployments override them with a YAML file.
type Tuning struct {
	// DiceFaces is the default face count when a game has none configured.
	DiceFaces int `yaml:"dice_faces"`
	// DiceCap bounds how many dice a single channel value can yield.
	DiceCap int `yaml:"dice_cap"`
	// GrowthStep is the channel increment applied on a successful skill
	// check.
	GrowthStep int `yaml:"growth_step"`
	// DamageFloor is the minimum damage a landed attack deals before guard
	// reduction.
	DamageFloor int `yaml:"damage_floor"`
	// DefenseBase is the minimum attack difficulty.
	DefenseBase int `yaml:"defense_base"`
	// FragmentValue is the channel increment carried by an awarded fragment.
	FragmentValue int `yaml:"fragment_value"`
	// DownloadDifficulty is the check difficulty for copying an ability
	// over an open communication link.
	DownloadDifficulty int `yaml:"download_difficulty"`
	// SeizeControlMargin is the contest margin at or above which a seize
	// transfers control instead of inflicting SeizePenalty damage.
	SeizeControlMargin int `yaml:"seize_control_margin"`
	// SeizePenalty is the HP damage dealt by a successful seize that falls
	// short of SeizeControlMargin.
	SeizePenalty int `yaml:"seize_penalty"`
	// AbilityGuard is the guard granted by consuming a print ability.
	AbilityGuard int `yaml:"ability_guard"`
}

// DefaultTuning returns the compiled-in rule constants.
func DefaultTuning() Tuning {
	return Tuning{
		DiceFaces:          6,
		DiceCap:            10,
		GrowthStep:         1,
		DamageFloor:        1,
		DefenseBase:        2,
		FragmentValue:      1,
		DownloadDifficulty: 6,
		SeizeControlMargin: 5,
		SeizePenalty:       2,
		AbilityGuard:       4,
	}
}

// LoadTuning reads tuning overrides from a YAML file. Fields omitted from
// the file keep their defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate rejects tuning values the rules cannot run with.
func (t Tuning) Validate() error {
	if t.DiceFaces < 2 {
		return fmt.Errorf("tuning: dice_faces must be at least 2, got %d", t.DiceFaces)
	}
	if t.DiceCap < 1 {
		return fmt.Errorf("tuning: dice_cap must be at least 1, got %d", t.DiceCap)
	}
	if t.GrowthStep < 0 || t.DamageFloor < 0 || t.FragmentValue < 0 {
		return fmt.Errorf("tuning: growth_step, damage_floor and fragment_value must be non-negative")
	}
	return nil
}

// DiceCount maps a channel value to a dice count: at least one die, capped
// by DiceCap.
func (t Tuning) DiceCount(channelValue int) int {
	if channelValue < 1 {
		return 1
	}
	if channelValue > t.DiceCap {
		return t.DiceCap
	}
	return channelValue
}

// AttackDifficulty derives the difficulty an attacker must meet from the
// defender's channel value and the die face count.
func (t Tuning) AttackDifficulty(defenseValue, faces int) int {
	difficulty := defenseValue*faces/2 + 1
	if difficulty < t.DefenseBase {
		return t.DefenseBase
	}
	return difficulty
}

// Damage derives the HP loss from a landed attack, before guard reduction.
func (t Tuning) Damage(total, difficulty int) int {
	damage := total - difficulty
	if damage < t.DamageFloor {
		return t.DamageFloor
	}
	return damage
}
