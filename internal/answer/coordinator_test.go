package answer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"trivia-party/internal/answer"
	"trivia-party/internal/domain"
	"trivia-party/internal/infra/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Toast(title, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

var testRound = domain.Round{
	Number:      1,
	CorrectItem: domain.Song{ID: "b", Title: "B"},
	Options: []domain.Song{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B"},
		{ID: "c", Title: "C"},
		{ID: "d", Title: "D"},
	},
	CorrectAnswerIndex: 1,
}

func setup(t *testing.T, name string) (*memory.Store, *clockwork.FakeClock, *answer.Coordinator, domain.Participant) {
	t.Helper()
	store := memory.NewStore()
	p, err := store.InsertParticipant(context.Background(), domain.Participant{SessionCode: "123456", Name: name})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	c := answer.NewCoordinator(answer.Config{
		Participants:  store,
		Answers:       store,
		Clock:         clock,
		SessionCode:   "123456",
		ParticipantID: p.ID,
	})
	c.BeginRound(1)
	return store, clock, c, p
}

func TestCorrectAnswerAtTwoSeconds(t *testing.T) {
	ctx := context.Background()
	store, clock, c, alice := setup(t, "Alice")

	clock.Advance(2 * time.Second)
	out, err := c.Submit(ctx, answer.Submission{Selection: 1, Phase: domain.PhasePlaying, Round: testRound})
	require.NoError(t, err)
	require.True(t, out.Correct)
	require.True(t, out.Committed)
	require.Equal(t, 13, out.Points)
	require.Equal(t, answer.Committed, c.Status())

	got, err := store.GetParticipant(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 13, got.Score)
	require.True(t, got.HasAnswered)

	answers, err := store.ListAnswers(ctx, "123456", 1)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, 13, answers[0].Points)

	state := c.LocalState()
	require.Equal(t, "B", state.LastAnswer)
	require.True(t, state.LastAnswerCorrect)
	require.Nil(t, state.PendingAnswer)
}

func TestSkipAwardsThreeAndConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	store, _, c, bob := setup(t, "Bob")

	out, err := c.Submit(ctx, answer.Submission{Skip: true, Phase: domain.PhasePlaying, Round: testRound})
	require.NoError(t, err)
	require.Equal(t, 3, out.Points)
	require.Equal(t, 2, c.LocalState().SkipsLeft)

	got, err := store.GetParticipant(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Score)
}

func TestFourthSkipIsRejected(t *testing.T) {
	ctx := context.Background()
	store, _, c, bob := setup(t, "Bob")

	for round := 1; round <= 3; round++ {
		c.BeginRound(round)
		_, err := c.Submit(ctx, answer.Submission{Skip: true, Phase: domain.PhasePlaying, Round: testRound})
		require.NoError(t, err)
		require.NoError(t, store.UpdateParticipants(ctx, "123456", domain.ParticipantPatch{HasAnswered: domain.Ptr(false)}))
	}

	c.BeginRound(4)
	before := c.LocalState()
	_, err := c.Submit(ctx, answer.Submission{Skip: true, Phase: domain.PhasePlaying, Round: testRound})
	require.ErrorIs(t, err, domain.ErrNoSkipsLeft)
	require.Equal(t, before, c.LocalState())
	require.Equal(t, answer.Unanswered, c.Status())

	got, err := store.GetParticipant(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.Score)
}

func TestSecondSubmitInRoundIsRejected(t *testing.T) {
	ctx := context.Background()
	_, _, c, _ := setup(t, "Alice")

	_, err := c.Submit(ctx, answer.Submission{Selection: 0, Phase: domain.PhasePlaying, Round: testRound})
	require.NoError(t, err)
	_, err = c.Submit(ctx, answer.Submission{Selection: 1, Phase: domain.PhasePlaying, Round: testRound})
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)
}

func TestCommitTwiceYieldsSameScore(t *testing.T) {
	ctx := context.Background()
	store, _, c, alice := setup(t, "Alice")

	a := domain.Answer{SessionCode: "123456", Round: 1, Selection: 1, Correct: true, Points: 13}
	applied, err := c.Commit(ctx, alice.ID, a)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = c.Commit(ctx, alice.ID, a)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := store.GetParticipant(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 13, got.Score)
}

func TestLateSubmissions(t *testing.T) {
	tests := map[string]struct {
		phase   domain.Phase
		elapsed time.Duration
		wantErr error
		points  int
	}{
		"playing after budget":   {phase: domain.PhasePlaying, elapsed: 31 * time.Second, wantErr: domain.ErrRoundClosed},
		"answering after budget": {phase: domain.PhaseAnswering, elapsed: 45 * time.Second, points: 4},
		"results phase":          {phase: domain.PhaseResults, elapsed: time.Second, wantErr: domain.ErrRoundClosed},
		"waiting phase":          {phase: domain.PhaseWaiting, wantErr: domain.ErrRoundClosed},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, clock, c, _ := setup(t, "Alice")
			clock.Advance(tc.elapsed)
			out, err := c.Submit(context.Background(), answer.Submission{Selection: 1, Phase: tc.phase, Round: testRound})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Equal(t, answer.Unanswered, c.Status())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.points, out.Points)
		})
	}
}

type failingParticipants struct {
	*memory.Store
}

func (f failingParticipants) UpdateParticipant(context.Context, string, domain.ParticipantPatch, int64) (domain.Participant, error) {
	return domain.Participant{}, errors.New("connection reset")
}

func TestTransientFailureKeepsAnsweredState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p, err := store.InsertParticipant(ctx, domain.Participant{SessionCode: "123456", Name: "Alice"})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	c := answer.NewCoordinator(answer.Config{
		Participants:  failingParticipants{store},
		Notifier:      notifier,
		Clock:         clockwork.NewFakeClock(),
		SessionCode:   "123456",
		ParticipantID: p.ID,
	})
	c.BeginRound(1)

	out, err := c.Submit(ctx, answer.Submission{Selection: 1, Phase: domain.PhasePlaying, Round: testRound})
	require.True(t, domain.IsTransient(err))
	require.False(t, out.Committed)
	require.Equal(t, answer.Answered, c.Status())
	require.Equal(t, 1, notifier.count())
	require.NotNil(t, c.LocalState().PendingAnswer)

	_, err = c.Submit(ctx, answer.Submission{Selection: 1, Phase: domain.PhasePlaying, Round: testRound})
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)
}

type conflictOnce struct {
	*memory.Store
	mu       sync.Mutex
	injected bool
}

// UpdateParticipant lets a concurrent writer slip in before the first write.
func (c *conflictOnce) UpdateParticipant(ctx context.Context, id string, patch domain.ParticipantPatch, version int64) (domain.Participant, error) {
	c.mu.Lock()
	first := !c.injected
	c.injected = true
	c.mu.Unlock()
	if first {
		if _, err := c.Store.UpdateParticipant(ctx, id, domain.ParticipantPatch{Score: domain.Ptr(5)}, 0); err != nil {
			return domain.Participant{}, err
		}
	}
	return c.Store.UpdateParticipant(ctx, id, patch, version)
}

func TestCommitRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p, err := store.InsertParticipant(ctx, domain.Participant{SessionCode: "123456", Name: "Alice"})
	require.NoError(t, err)

	c := answer.NewCoordinator(answer.Config{
		Participants: &conflictOnce{Store: store},
		Clock:        clockwork.NewFakeClock(),
		SessionCode:  "123456",
	})
	applied, err := c.Commit(ctx, p.ID, domain.Answer{Round: 1, Points: 13})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 18, got.Score)
}

func TestApplyBatchIsGuardedPerParticipant(t *testing.T) {
	ctx := context.Background()
	store, _, c, alice := setup(t, "Alice")
	bob, err := store.InsertParticipant(ctx, domain.Participant{SessionCode: "123456", Name: "Bob"})
	require.NoError(t, err)

	_, err = store.UpdateParticipant(ctx, bob.ID, domain.ParticipantPatch{HasAnswered: domain.Ptr(true)}, 0)
	require.NoError(t, err)

	results := c.ApplyBatch(ctx, 1, []answer.Award{
		{ParticipantID: alice.ID, Points: 10},
		{ParticipantID: bob.ID, Points: 10},
		{ParticipantID: "missing", Points: 10},
	})
	require.Len(t, results, 3)
	require.True(t, results[0].Applied)
	require.False(t, results[1].Applied)
	require.ErrorIs(t, results[1].Err, domain.ErrAlreadyAnswered)
	require.ErrorIs(t, results[2].Err, domain.ErrParticipantNotFound)

	got, err := store.GetParticipant(ctx, bob.ID)
	require.NoError(t, err)
	require.Zero(t, got.Score)
}

func TestSubmitOnAnsweredRowChangesNothing(t *testing.T) {
	tests := map[string]answer.Submission{
		"skip":   {Skip: true, Phase: domain.PhasePlaying, Round: testRound},
		"answer": {Selection: 1, Phase: domain.PhasePlaying, Round: testRound},
	}
	for name, sub := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, _, c, alice := setup(t, "Alice")
			_, err := store.UpdateParticipant(ctx, alice.ID, domain.ParticipantPatch{HasAnswered: domain.Ptr(true)}, 0)
			require.NoError(t, err)
			before := c.LocalState()

			out, err := c.Submit(ctx, sub)
			require.ErrorIs(t, err, domain.ErrAlreadyAnswered)
			require.Equal(t, answer.Outcome{}, out)
			require.Equal(t, before, c.LocalState())
			require.Equal(t, 3, c.LocalState().SkipsLeft)
			require.Equal(t, answer.Committed, c.Status())

			_, err = c.Submit(ctx, sub)
			require.ErrorIs(t, err, domain.ErrAlreadySubmitted)

			got, err := store.GetParticipant(ctx, alice.ID)
			require.NoError(t, err)
			require.Zero(t, got.Score)
			answers, err := store.ListAnswers(ctx, "123456", 1)
			require.NoError(t, err)
			require.Empty(t, answers)
		})
	}
}

func TestRestoredSkipAllowance(t *testing.T) {
	tests := map[string]struct {
		stored *int
		want   int
	}{
		"nothing stored": {want: 3},
		"one spent":      {stored: domain.Ptr(2), want: 2},
		"all spent":      {stored: domain.Ptr(0), want: 0},
		"out of range":   {stored: domain.Ptr(9), want: 3},
		"negative":       {stored: domain.Ptr(-1), want: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := answer.NewCoordinator(answer.Config{
				Participants: memory.NewStore(),
				Clock:        clockwork.NewFakeClock(),
				SkipsLeft:    tc.stored,
			})
			require.Equal(t, tc.want, c.LocalState().SkipsLeft)
		})
	}
}
