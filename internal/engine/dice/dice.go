// Package dice implements the seed-deterministic dice rolling used by the
// rules engine.
package dice

import (
	"errors"
	"math/rand"
)

// ErrMissingDice indicates a roll request had no dice specified.
var ErrMissingDice = errors.New("at least one die must be provided")

// ErrInvalidSpec indicates a die specification has invalid fields.
var ErrInvalidSpec = errors.New("dice must have positive sides and count")

// Spec describes a die to roll and how many times to roll it.
type Spec struct {
	Sides int
	Count int
}

// Roll captures the results for a single dice spec.
type Roll struct {
	Sides   int
	Results []int
	Total   int
}

// Result captures the results from rolling multiple dice.
type Result struct {
	Rolls []Roll
	Total int
}

// RollWithRng rolls dice drawing from a provided random source. Callers
// that roll several times for one logical action share a single source so
// the whole action stays reproducible from one seed.
func RollWithRng(rng *rand.Rand, specs []Spec) (Result, error) {
	if len(specs) == 0 {
		return Result{}, ErrMissingDice
	}

	rolls := make([]Roll, 0, len(specs))
	total := 0

	for _, spec := range specs {
		if spec.Sides <= 0 || spec.Count <= 0 {
			return Result{}, ErrInvalidSpec
		}

		results := make([]int, spec.Count)
		rollTotal := 0
		for i := 0; i < spec.Count; i++ {
			value := rollDie(rng, spec.Sides)
			results[i] = value
			rollTotal += value
		}

		rolls = append(rolls, Roll{
			Sides:   spec.Sides,
			Results: results,
			Total:   rollTotal,
		})
		total += rollTotal
	}

	return Result{
		Rolls: rolls,
		Total: total,
	}, nil
}

// Reroll rolls the same dice again for the same logical action and returns
// the new values together with the better of the two totals. Ties keep the
// original total. The caller records both sets of values; the original is
// never discarded.
func Reroll(rng *rand.Rand, original Roll) (Roll, int, error) {
	result, err := RollWithRng(rng, []Spec{{Sides: original.Sides, Count: len(original.Results)}})
	if err != nil {
		return Roll{}, 0, err
	}
	rerolled := result.Rolls[0]
	best := rerolled.Total
	if original.Total >= rerolled.Total {
		best = original.Total
	}
	return rerolled, best, nil
}

// rollDie rolls a single die with the provided number of sides.
func rollDie(rng *rand.Rand, sides int) int {
	return rng.Intn(sides) + 1
}
