package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSweeper struct {
	mu      sync.Mutex
	results []int
	err     error
	calls   int
}

func (s *scriptedSweeper) SweepTimeouts(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	n := s.results[0]
	s.results = s.results[1:]
	if n > limit {
		n = limit
	}
	return n, nil
}

func (s *scriptedSweeper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRunOnce_DrainsFullBatches(t *testing.T) {
	target := &scriptedSweeper{results: []int{batchSize, batchSize, 7}}
	s := NewSweeper(target, time.Minute)

	assert.Equal(t, 2*batchSize+7, s.RunOnce(context.Background()))
	assert.Equal(t, 3, target.Calls())
}

func TestRunOnce_StopsOnError(t *testing.T) {
	target := &scriptedSweeper{err: errors.New("database is gone")}
	s := NewSweeper(target, time.Minute)

	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 1, target.Calls())
}

func TestStart_SweepsUntilCancelled(t *testing.T) {
	target := &scriptedSweeper{results: []int{1}}
	s := NewSweeper(target, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return target.Calls() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, NewSweeper(&scriptedSweeper{}, 0).interval)
}
