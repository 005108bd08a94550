package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLock 进程内共享的锁表，多个fakeLock可以指向同一张表模拟多实例
type fakeLock struct {
	table *lockTable

	acquireErr error
	releaseErr error
	attempts   atomic.Int32
	releases   atomic.Int32
}

type lockTable struct {
	mu   sync.Mutex
	held map[string]*fakeLock
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]*fakeLock)}
}

func (tb *lockTable) instance() *fakeLock {
	return &fakeLock{table: tb}
}

func (f *fakeLock) TryAcquire(_ context.Context, name string) (bool, error) {
	f.attempts.Add(1)
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	f.table.mu.Lock()
	defer f.table.mu.Unlock()
	if _, ok := f.table.held[name]; ok {
		return false, nil
	}
	f.table.held[name] = f
	return true, nil
}

func (f *fakeLock) Release(_ context.Context, name string) error {
	f.releases.Add(1)
	f.table.mu.Lock()
	defer f.table.mu.Unlock()
	if f.table.held[name] != f {
		return ErrNotHeld
	}
	delete(f.table.held, name)
	return f.releaseErr
}

func (f *fakeLock) Close() error { return nil }

func TestWithLock_RunsAndReleases(t *testing.T) {
	tb := newLockTable()
	l := tb.instance()
	called := false

	err := WithLock(context.Background(), l, "schema", time.Millisecond, func(context.Context) error {
		called = true
		assert.Equal(t, l, tb.held["schema"])
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, tb.held)
	assert.Equal(t, int32(1), l.releases.Load())
}

// 两个实例同时初始化：后到的必须等先到的执行完，并且自己也要执行
func TestWithLock_ContendedCallerWaitsAndRuns(t *testing.T) {
	tb := newLockTable()
	first, second := tb.instance(), tb.instance()

	var (
		mu          sync.Mutex
		order       []string
		schemaReady bool
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	holding := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- WithLock(context.Background(), first, "schema", time.Millisecond, func(context.Context) error {
			record("first:start")
			close(holding)
			time.Sleep(200 * time.Millisecond)
			mu.Lock()
			schemaReady = true
			mu.Unlock()
			record("first:end")
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := WithLock(ctx, second, "schema", 10*time.Millisecond, func(context.Context) error {
		mu.Lock()
		ready := schemaReady
		mu.Unlock()
		assert.True(t, ready, "second caller ran before the first finished")
		record("second")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"first:start", "first:end", "second"}, order)
	assert.Greater(t, second.attempts.Load(), int32(1))
	assert.Empty(t, tb.held)
}

func TestWithLock_TimesOutWhileHeld(t *testing.T) {
	tb := newLockTable()
	holder, waiter := tb.instance(), tb.instance()
	ok, err := holder.TryAcquire(context.Background(), "schema")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err = WithLock(ctx, waiter, "schema", 10*time.Millisecond, func(context.Context) error {
		t.Fatal("must not run without the lock")
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), waiter.releases.Load())
	assert.Equal(t, holder, tb.held["schema"])
}

func TestWithLock_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	ctx := context.Background()

	l := newLockTable().instance()
	err := WithLock(ctx, l, "schema", time.Millisecond, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), l.releases.Load(), "lock released even when fn fails")

	l = newLockTable().instance()
	l.acquireErr = boom
	err = WithLock(ctx, l, "schema", time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), l.releases.Load())

	l = newLockTable().instance()
	l.releaseErr = boom
	err = WithLock(ctx, l, "schema", time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, boom)
}

func TestNoopLock(t *testing.T) {
	var l Lock = NoopLock{}
	runs := 0
	for i := 0; i < 2; i++ {
		err := WithLock(context.Background(), l, "anything", time.Millisecond, func(context.Context) error {
			runs++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, runs)
	assert.NoError(t, l.Close())
}
