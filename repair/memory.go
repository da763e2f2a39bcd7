package repair

import (
	"context"
	"fmt"
	"sync"

	"github.com/caulkdb/caulk/telemetry"
)

// MemoryLimiter bounds the total bytes of in-flight repair row buffers on
// this node. Acquire suspends the calling goroutine until budget is
// available or its context is cancelled; the returned guard releases the
// exact amount exactly once on every exit path.
type MemoryLimiter struct {
	max int64

	mu     sync.Mutex
	inUse  int64
	waitCh chan struct{} // closed and replaced on every release
}

// NewMemoryLimiter creates a limiter with the given ceiling in bytes.
func NewMemoryLimiter(maxBytes int64) *MemoryLimiter {
	return &MemoryLimiter{
		max:    maxBytes,
		waitCh: make(chan struct{}),
	}
}

// MemoryGuard owns an acquired slice of the budget. Release is idempotent.
type MemoryGuard struct {
	limiter *MemoryLimiter
	bytes   int64
	once    sync.Once
}

// Release returns the guard's bytes to the limiter.
func (g *MemoryGuard) Release() {
	g.once.Do(func() {
		g.limiter.release(g.bytes)
	})
}

// Bytes returns the amount held by the guard.
func (g *MemoryGuard) Bytes() int64 {
	return g.bytes
}

// Acquire blocks until n bytes of budget are available. A request larger
// than the total ceiling could never be satisfied and is rejected
// immediately rather than blocking forever.
func (l *MemoryLimiter) Acquire(ctx context.Context, n int64) (*MemoryGuard, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid memory request: %d bytes", n)
	}
	if n > l.max {
		return nil, fmt.Errorf("memory request of %d bytes exceeds repair memory ceiling of %d", n, l.max)
	}

	waited := false
	for {
		l.mu.Lock()
		if l.inUse+n <= l.max {
			l.inUse += n
			l.mu.Unlock()
			if waited {
				telemetry.RepairMemoryWaiters.Dec()
			}
			telemetry.RepairMemoryInUseBytes.Add(float64(n))
			return &MemoryGuard{limiter: l, bytes: n}, nil
		}
		ch := l.waitCh
		l.mu.Unlock()

		if !waited {
			waited = true
			telemetry.RepairMemoryWaiters.Inc()
		}

		select {
		case <-ctx.Done():
			telemetry.RepairMemoryWaiters.Dec()
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (l *MemoryLimiter) release(n int64) {
	l.mu.Lock()
	l.inUse -= n
	if l.inUse < 0 {
		// Double release is prevented by the guard; a negative value
		// here means limiter misuse.
		panic("repair memory limiter released below zero")
	}
	close(l.waitCh)
	l.waitCh = make(chan struct{})
	l.mu.Unlock()

	telemetry.RepairMemoryInUseBytes.Sub(float64(n))
}

// Available is advisory and may race with concurrent acquires.
func (l *MemoryLimiter) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - l.inUse
}

// InUse returns the bytes currently admitted.
func (l *MemoryLimiter) InUse() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Max returns the configured ceiling.
func (l *MemoryLimiter) Max() int64 {
	return l.max
}
