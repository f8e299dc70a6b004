package leader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLock stands in for the pg_try_advisory_lock query so tests can decide
// whether this replica wins the lock.
type fakeLock struct {
	mu       sync.Mutex
	acquired bool
	err      error
	calls    int
}

func (f *fakeLock) tryLock(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.acquired, f.err
}

func (f *fakeLock) setAcquired(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = v
}

func (f *fakeLock) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestElector_WinsLock_StartsReconcilerCallback(t *testing.T) {
	lock := &fakeLock{acquired: true}
	var elected atomic.Bool

	elector := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	// The first try is immediate.
	time.Sleep(30 * time.Millisecond)

	assert.True(t, elected.Load(), "onElected should have been called")
	assert.True(t, elector.IsLeader(), "should be leader after winning the lock")

	cancel()
	elector.Stop()
}

func TestElector_LockHeldElsewhere_StaysFollower(t *testing.T) {
	lock := &fakeLock{acquired: false}
	var elected atomic.Bool

	elector := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	// Enough for the immediate try plus one retry.
	time.Sleep(80 * time.Millisecond)

	assert.False(t, elected.Load(), "a follower must not start the callback")
	assert.False(t, elector.IsLeader())

	cancel()
	elector.Stop()
}

func TestElector_TakesOverWhenLockFrees(t *testing.T) {
	lock := &fakeLock{acquired: false}
	var elected atomic.Bool

	elector := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	// Still a follower after the first attempt.
	time.Sleep(30 * time.Millisecond)
	assert.False(t, elected.Load(), "should not be elected yet")

	// Old leader releases the lock.
	lock.setAcquired(true)

	time.Sleep(80 * time.Millisecond)

	assert.True(t, elected.Load(), "should take over on a retry")
	assert.True(t, elector.IsLeader())

	cancel()
	elector.Stop()
}

func TestElector_LockQueryError_KeepsRetrying(t *testing.T) {
	lock := &fakeLock{err: fmt.Errorf("connection refused")}
	var elected atomic.Bool

	elector := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	time.Sleep(80 * time.Millisecond)

	assert.False(t, elected.Load(), "should not be elected while the query errors")
	assert.False(t, elector.IsLeader())
	assert.Greater(t, lock.getCalls(), 0, "should have attempted the query")

	cancel()
	elector.Stop()
}

func TestElector_Stop_RunsTheStopFunc(t *testing.T) {
	lock := &fakeLock{acquired: true}
	var stopped atomic.Bool

	elector := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		return func() {
			stopped.Store(true)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	require.True(t, elector.IsLeader())

	cancel()
	elector.Stop()

	assert.True(t, stopped.Load(), "shutdown must stop what onElected started")
	assert.False(t, elector.IsLeader(), "should no longer be leader after stop")
}

func TestElector_LeaderDoesNotReElectItself(t *testing.T) {
	lock := &fakeLock{acquired: true}
	var electCount atomic.Int32

	elector := New(lock.tryLock, 30*time.Millisecond, func(_ context.Context) func() {
		electCount.Add(1)
		return func() {}
	})

	ctx, cancel := context.WithCancel(context.Background())
	elector.Start(ctx)

	// Initial election plus a few retry cycles.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), electCount.Load(), "onElected should run exactly once")

	cancel()
	elector.Stop()
}

func TestElector_NotLeaderBeforeStart(t *testing.T) {
	lock := &fakeLock{acquired: false}
	elector := New(lock.tryLock, time.Minute, func(_ context.Context) func() {
		return func() {}
	})

	assert.False(t, elector.IsLeader())
}

func TestAdvisoryLockID_IsStable(t *testing.T) {
	// Changing this constant would let two deployed versions both believe
	// they hold the reconciler lock.
	assert.Equal(t, int64(421809278), AdvisoryLockID)
}

func TestElector_StopBeforeStart_DoesNotPanic(t *testing.T) {
	lock := &fakeLock{acquired: false}
	elector := New(lock.tryLock, time.Minute, func(_ context.Context) func() {
		return func() {}
	})

	elector.Stop()
}
