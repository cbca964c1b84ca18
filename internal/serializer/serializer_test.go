package serializer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameUserRunsInSubmissionOrder(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(v string) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}

	firstQueued := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.Do(ctx, "u1", func(ctx context.Context) error {
			close(firstQueued)
			time.Sleep(50 * time.Millisecond)
			record("first")
			return nil
		})
	}()
	<-firstQueued
	go func() {
		defer wg.Done()
		_ = s.Do(ctx, "u1", func(ctx context.Context) error {
			record("second")
			return nil
		})
	}()
	wg.Wait()

	require.Equal(t, []string{"first", "second"}, order)
	require.Equal(t, 0, s.Len())
}

func TestOperationsNeverOverlap(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(ctx, "u1", func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxRunning)
	require.Equal(t, 0, s.Len())
}

func TestDifferentUsersDoNotBlock(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "u1", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "u2", func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("u2 blocked behind u1")
	}
	close(release)
}

func TestFailureDoesNotAbortQueue(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Do(ctx, "u1", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	ran := false
	require.NoError(t, s.Do(ctx, "u1", func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestPanicBecomesError(t *testing.T) {
	s := NewLocal()
	err := s.Do(context.Background(), "u1", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	require.Equal(t, 0, s.Len())
}

func TestCancelledWaiterKeepsOrder(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "u1", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		close(firstDone)
	}()
	<-started

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	ran := false
	err := s.Do(cctx, "u1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)

	thirdDone := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "u1", func(ctx context.Context) error { return nil })
		close(thirdDone)
	}()

	select {
	case <-thirdDone:
		t.Fatal("third operation ran before the first finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-firstDone
	<-thirdDone
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
}

func TestWithUserMutexReturnsValue(t *testing.T) {
	s := NewLocal()
	v, err := WithUserMutex(context.Background(), s, "u1", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
