package scoring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trivia-party/internal/domain"
	"trivia-party/internal/scoring"
)

func TestCompute(t *testing.T) {
	tests := map[string]struct {
		in   scoring.Input
		want int
	}{
		"fast correct answer": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: 2 * time.Second, Correct: true},
			want: 13,
		},
		"instant correct answer": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Correct: true},
			want: 13,
		},
		"negative elapsed is clamped": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: -time.Second, Correct: true},
			want: 13,
		},
		"decay starts at three seconds": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: 3 * time.Second, Correct: true},
			want: 13,
		},
		"decay midpoint": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: 5500 * time.Millisecond, Correct: true},
			want: 9,
		},
		"correct at eight seconds": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: 8 * time.Second, Correct: true},
			want: 4,
		},
		"wrong at eight seconds": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: 8 * time.Second},
			want: -2,
		},
		"correct in final phase": {
			in:   scoring.Input{Phase: domain.PhaseAnswering, Elapsed: time.Second, Correct: true, FinalPhase: true},
			want: 4,
		},
		"wrong in final phase": {
			in:   scoring.Input{Phase: domain.PhaseAnswering, Elapsed: time.Second, FinalPhase: true},
			want: -2,
		},
		"wrong inside open window": {
			in:   scoring.Input{Phase: domain.PhasePlaying, Elapsed: time.Second},
			want: 0,
		},
		"no scoring outside a round": {
			in:   scoring.Input{Phase: domain.PhaseResults, Elapsed: time.Second, Correct: true},
			want: 0,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, scoring.Compute(tt.in))
		})
	}
}

func TestComputeFastWindowIsFlat(t *testing.T) {
	for ms := 0; ms < 3000; ms += 50 {
		got := scoring.Compute(scoring.Input{
			Phase:   domain.PhasePlaying,
			Elapsed: time.Duration(ms) * time.Millisecond,
			Correct: true,
		})
		require.Equal(t, 13, got, "elapsed %dms", ms)
	}
}

func TestComputeDecayIsMonotoneAndBounded(t *testing.T) {
	prev := scoring.FastPoints
	for ms := 3000; ms < 8000; ms += 10 {
		got := scoring.Compute(scoring.Input{
			Phase:   domain.PhasePlaying,
			Elapsed: time.Duration(ms) * time.Millisecond,
			Correct: true,
		})
		require.GreaterOrEqual(t, got, scoring.FloorPoints, "elapsed %dms", ms)
		require.LessOrEqual(t, got, scoring.FastPoints, "elapsed %dms", ms)
		require.LessOrEqual(t, got, prev, "elapsed %dms", ms)
		prev = got
	}
}

func TestSkip(t *testing.T) {
	require.Equal(t, 3, scoring.Skip())
	require.True(t, scoring.CanSkip(1))
	require.False(t, scoring.CanSkip(0))
}

func TestFormat(t *testing.T) {
	require.Equal(t, "13", scoring.Format(13))
	require.Equal(t, "-2 ▼", scoring.Format(-2))
}
