package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestNextRoundAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 12, 3, 10, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC), s.NextRound(now))

	onBoundary := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC), s.NextRound(onBoundary))
}

func TestNextRoundUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 12, 3, 10, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.NextRound(now))
}

func TestRunStopsAfterMaxRounds(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Millisecond, MaxRounds: 3}, zerolog.Nop())
	require.NoError(t, err)

	var rounds []time.Time
	err = s.Run(context.Background(), func(_ context.Context, round time.Time) error {
		rounds = append(rounds, round)
		if len(rounds) == 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.True(t, rounds[1].After(rounds[0]))
}

func TestRunHonoursCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("round should not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
