package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotHeld 释放未持有的锁
var ErrNotHeld = errors.New("锁未被当前实例持有")

// Lock 分布式锁
type Lock interface {
	// TryAcquire 尝试获取锁，不等待；锁被其它实例持有时返回false
	TryAcquire(ctx context.Context, name string) (bool, error)

	// Release 释放当前实例持有的锁
	Release(ctx context.Context, name string) error

	// Close 释放所有持有的锁并关闭客户端
	Close() error
}

// NoopLock 单实例部署使用，总是获取成功
type NoopLock struct{}

func (NoopLock) TryAcquire(context.Context, string) (bool, error) { return true, nil }
func (NoopLock) Release(context.Context, string) error             { return nil }
func (NoopLock) Close() error                                      { return nil }

const maxRetryInterval = 2 * time.Second

// WithLock 等待获取锁后执行fn，执行完释放
//
// 锁被占用时按retryInterval指数退避重试(上限2s)，直到ctx结束。
// 每个调用方都会执行fn，锁只保证同一时刻只有一个在执行。
func WithLock(ctx context.Context, l Lock, name string, retryInterval time.Duration, fn func(ctx context.Context) error) (err error) {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}

	for {
		acquired, err := l.TryAcquire(ctx, name)
		if err != nil {
			return fmt.Errorf("获取锁 %s 失败: %w", name, err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("等待锁 %s 超时: %w", name, ctx.Err())
		case <-timer.C:
		}
		retryInterval = min(retryInterval*2, maxRetryInterval)
	}

	defer func() {
		// ctx可能已经到期，释放使用独立的超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := l.Release(releaseCtx, name); releaseErr != nil && err == nil {
			err = fmt.Errorf("释放锁 %s 失败: %w", name, releaseErr)
		}
	}()

	return fn(ctx)
}
