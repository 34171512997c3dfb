// Package scoring computes the points awarded for an answer.
package scoring

import (
	"math"
	"strconv"
	"time"

	"trivia-party/internal/domain"
)

const (
	FastPoints  = 13
	FloorPoints = 5
	LatePoints  = 4
	WrongPoints = -2
	SkipPoints  = 3

	// MaxSkips is the per-game skip allowance.
	MaxSkips = 3

	FastWindow = 3 * time.Second
	DecayEnd   = 8 * time.Second
)

// Input describes one answer to score.
type Input struct {
	Phase      domain.Phase
	Elapsed    time.Duration
	Correct    bool
	FinalPhase bool // reduced-option endgame sub-phase
}

// Compute returns the points for an answer. Correct answers decay linearly
// from FastPoints at FastWindow to FloorPoints at DecayEnd; from DecayEnd on,
// or in the final phase, a correct answer is worth LatePoints and a wrong one
// costs WrongPoints. A wrong answer in the open window scores nothing.
func Compute(in Input) int {
	if !in.Phase.AcceptsAnswers() {
		return 0
	}
	elapsed := in.Elapsed
	if elapsed < 0 {
		elapsed = 0
	}

	if in.FinalPhase || in.Phase == domain.PhaseAnswering || elapsed >= DecayEnd {
		if in.Correct {
			return LatePoints
		}
		return WrongPoints
	}
	if !in.Correct {
		return 0
	}
	if elapsed < FastWindow {
		return FastPoints
	}

	progress := float64(elapsed-FastWindow) / float64(DecayEnd-FastWindow)
	points := int(math.Round(FastPoints - progress*(FastPoints-FloorPoints)))
	if points < FloorPoints {
		points = FloorPoints
	}
	if points > FastPoints {
		points = FastPoints
	}
	return points
}

// Skip returns the flat points awarded for a skip.
func Skip() int {
	return SkipPoints
}

// CanSkip reports whether a skip is still available.
func CanSkip(skipsLeft int) bool {
	return skipsLeft > 0
}

// Format renders a score for display; negative scores are flagged.
func Format(score int) string {
	if score < 0 {
		return strconv.Itoa(score) + " ▼"
	}
	return strconv.Itoa(score)
}
