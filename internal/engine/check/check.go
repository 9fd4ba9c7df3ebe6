// Package check implements difficulty checks over dice totals.
package check

// MeetsDifficulty returns true if total >= difficulty.
func MeetsDifficulty(total, difficulty int) bool {
	return total >= difficulty
}

// Margin calculates the margin of success or failure.
// Positive values indicate success, negative indicate failure.
func Margin(total, difficulty int) int {
	return total - difficulty
}

// Result represents the outcome of a difficulty check.
type Result struct {
	Success bool
	Margin  int
}

// Check performs a difficulty check and returns the result.
func Check(total, difficulty int) Result {
	return Result{
		Success: MeetsDifficulty(total, difficulty),
		Margin:  Margin(total, difficulty),
	}
}

// Contest resolves an opposed roll between an attacker and a defender.
// The defender wins ties; Margin is attacker total minus defender total.
func Contest(attacker, defender int) Result {
	return Result{
		Success: attacker > defender,
		Margin:  attacker - defender,
	}
}
