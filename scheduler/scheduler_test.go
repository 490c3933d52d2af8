package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := New(4)
	key := LogKey{Owner: 1, RangeID: 2}

	release, err := s.AcquireWrite(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Writing, s.StateOf(key))

	release()
	assert.Equal(t, Idle, s.StateOf(key))
}

func TestWriteAndReorgMutuallyExclusive(t *testing.T) {
	s := New(4)
	key := LogKey{Owner: 1, RangeID: 2}

	release, err := s.AcquireWrite(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.AcquireReorg(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	release2, err := s.AcquireReorg(context.Background(), key)
	require.NoError(t, err)
	release2()
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	s := New(4)
	key := LogKey{Owner: 1, RangeID: 2}

	release, err := s.AcquireWrite(context.Background(), key)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		r, err := s.AcquireReorg(context.Background(), key)
		assert.NoError(t, err)
		close(unblocked)
		r()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-unblocked:
		t.Fatal("acquired before release")
	default:
	}

	release()
	wg.Wait()
}

func TestShouldYieldOnlyForOtherLogs(t *testing.T) {
	s := New(4)
	a := LogKey{Owner: 1, RangeID: 1}
	b := LogKey{Owner: 1, RangeID: 2}

	assert.False(t, s.ShouldYield(a))

	s.RequestHighPriorityReorg(b)
	assert.True(t, s.ShouldYield(a))
	assert.False(t, s.ShouldYield(b))

	s.ClearHighPriority(b)
	assert.False(t, s.ShouldYield(a))
}

func TestNextPrefersHighPriorityOverSurvey(t *testing.T) {
	s := New(4)
	low := LogKey{Owner: 1, RangeID: 1}
	high := LogKey{Owner: 1, RangeID: 2}

	s.EnqueueSurvey(low)
	s.RequestHighPriorityReorg(high)

	key, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, high, key)
}

func TestNextRespectsContextCancellation(t *testing.T) {
	s := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
