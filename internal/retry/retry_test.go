package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testPolicy(retries int) Policy {
	return Policy{
		Retries:  retries,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: time.Second,
		Factor:   2,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testPolicy(3), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroRetriesRethrowsWithoutDelay(t *testing.T) {
	boom := errors.New("boom")
	rec := &sleepRecorder{}
	observed := 0

	calls := 0
	_, err := Do(context.Background(), testPolicy(0), func(context.Context) (int, error) {
		calls++
		return 0, boom
	},
		WithSleep(rec.sleep),
		WithObserver(func(error, int, time.Duration) { observed++ }),
	)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.Zero(t, observed)
}

func TestDo_FailsOnceThenSucceeds(t *testing.T) {
	rec := &sleepRecorder{}
	var observations []int

	calls := 0
	got, err := Do(context.Background(), testPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "second", nil
	},
		WithSleep(rec.sleep),
		WithObserver(func(err error, attempt int, next time.Duration) {
			observations = append(observations, attempt)
			assert.Equal(t, 100*time.Millisecond, next)
		}),
	)

	require.NoError(t, err)
	assert.Equal(t, "second", got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, observations)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.delays)
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0
	last := errors.New("attempt 4")

	_, err := Do(context.Background(), testPolicy(3), func(context.Context) (int, error) {
		calls++
		if calls == 4 {
			return 0, last
		}
		return 0, errors.New("earlier")
	}, WithSleep(rec.sleep))

	assert.Same(t, last, err)
	assert.Equal(t, 4, calls)
	assert.Len(t, rec.delays, 3)
}

func TestDo_BackoffGrowsAndClamps(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{Retries: 5, MinDelay: 200 * time.Millisecond, MaxDelay: time.Second, Factor: 3}

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}, WithSleep(rec.sleep))

	want := []time.Duration{
		200 * time.Millisecond,
		600 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	assert.Equal(t, want, rec.delays)
}

func TestDo_JitterStaysWithinBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		rec := &sleepRecorder{}
		p := Policy{Retries: 4, MinDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Factor: 2, Jitter: true}

		_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
			return 0, errors.New("nope")
		}, WithSleep(rec.sleep), WithRand(func() float64 { return r }))

		require.Len(t, rec.delays, 4)
		assert.Equal(t, 100*time.Millisecond, rec.delays[0], "first wait is never jittered")
		for _, d := range rec.delays[1:] {
			assert.LessOrEqual(t, d, p.MaxDelay)
			assert.Positive(t, d)
		}
	}
}

func TestDo_JitterDrawnOnlyBetweenWaits(t *testing.T) {
	p := testPolicy(3)
	p.Jitter = true
	rec := &sleepRecorder{}
	draws := 0

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("down")
	}, WithSleep(rec.sleep), WithRand(func() float64 {
		draws++
		return 0.5
	}))

	require.Error(t, err)
	assert.Len(t, rec.delays, 3)
	// The first wait is MinDelay; each later wait draws jitter once.
	assert.Equal(t, 2, draws)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Do(ctx, Policy{Retries: 3, MinDelay: time.Hour, MaxDelay: time.Hour, Factor: 2},
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("fail")
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero retries", Policy{Retries: 0, Factor: 2}, false},
		{"negative retries", Policy{Retries: -1, Factor: 2}, true},
		{"factor one", Policy{Retries: 1, Factor: 1}, true},
		{"min above max", Policy{Retries: 1, Factor: 2, MinDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
