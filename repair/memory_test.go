package repair

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAcquireRelease(t *testing.T) {
	l := NewMemoryLimiter(1000)

	g1, err := l.Acquire(context.Background(), 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), l.InUse())
	assert.Equal(t, int64(600), l.Available())

	g2, err := l.Acquire(context.Background(), 600)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.Available())

	g1.Release()
	assert.Equal(t, int64(600), l.InUse())
	g2.Release()
	assert.Equal(t, int64(0), l.InUse())
}

func TestMemoryLimiterRejectsOversizedRequest(t *testing.T) {
	l := NewMemoryLimiter(100)

	_, err := l.Acquire(context.Background(), 101)
	require.Error(t, err)
	assert.Equal(t, int64(0), l.InUse())
}

func TestMemoryLimiterBlocksUntilReleased(t *testing.T) {
	l := NewMemoryLimiter(100)

	g, err := l.Acquire(context.Background(), 80)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := l.Acquire(context.Background(), 50)
		if err == nil {
			g2.Release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while budget is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire should proceed after release")
	}
}

func TestMemoryLimiterAbortWhileWaiting(t *testing.T) {
	l := NewMemoryLimiter(100)

	g, err := l.Acquire(context.Background(), 100)
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, 50)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
	assert.Equal(t, int64(100), l.InUse())
}

func TestMemoryLimiterBudgetConservedUnderContention(t *testing.T) {
	l := NewMemoryLimiter(256)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g, err := l.Acquire(context.Background(), 64)
				if err != nil {
					t.Error(err)
					return
				}
				if l.InUse() > l.Max() {
					t.Errorf("in use %d exceeds max %d", l.InUse(), l.Max())
				}
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), l.InUse())
}

func TestMemoryGuardReleaseIdempotent(t *testing.T) {
	l := NewMemoryLimiter(100)

	g, err := l.Acquire(context.Background(), 60)
	require.NoError(t, err)

	g.Release()
	g.Release()
	assert.Equal(t, int64(0), l.InUse())
}
