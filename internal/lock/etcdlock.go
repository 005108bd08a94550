package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/lyricvote/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const etcdLockPrefix = "/lyricvote/locks/"

// EtcdLock 基于etcd会话租约的分布式锁
//
// 会话在后台自动续约，进程退出或失联超过TTL后etcd会删除锁。
type EtcdLock struct {
	client     *clientv3.Client
	ownsClient bool
	session    *concurrency.Session
	logger     *zap.Logger

	mu   sync.Mutex
	held map[string]*concurrency.Mutex
}

func NewETCDLock(cfg config.ETCDConfig, ttl time.Duration, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	el, err := NewETCDLockFromClient(cli, ttl, logger)
	if err != nil {
		cli.Close()
		return nil, err
	}
	el.ownsClient = true
	return el, nil
}

// NewETCDLockFromClient 复用已有客户端，Close时不会关闭它
func NewETCDLockFromClient(cli *clientv3.Client, ttl time.Duration, logger *zap.Logger) (*EtcdLock, error) {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(seconds))
	if err != nil {
		return nil, fmt.Errorf("创建etcd会话失败: %w", err)
	}

	return &EtcdLock{
		client:  cli,
		session: session,
		logger:  logger,
		held:    make(map[string]*concurrency.Mutex),
	}, nil
}

func (el *EtcdLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.held[name]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", name)
	}

	select {
	case <-el.session.Done():
		return false, fmt.Errorf("etcd会话已失效")
	default:
	}

	m := concurrency.NewMutex(el.session, etcdLockPrefix+name)
	if err := m.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return false, nil
		}
		return false, err
	}

	el.held[name] = m
	el.logger.Info("获取etcd锁成功", zap.String("lock", name), zap.String("key", m.Key()))
	return true, nil
}

func (el *EtcdLock) Release(ctx context.Context, name string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	m, ok := el.held[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, name)
	}
	delete(el.held, name)

	if err := m.Unlock(ctx); err != nil {
		return fmt.Errorf("删除锁键失败: %w", err)
	}
	return nil
}

// Close 释放持有的锁并结束会话(撤销租约)
func (el *EtcdLock) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name, m := range el.held {
		if err := m.Unlock(ctx); err != nil {
			el.logger.Warn("释放etcd锁失败", zap.String("lock", name), zap.Error(err))
		}
	}
	el.held = make(map[string]*concurrency.Mutex)

	err := el.session.Close()
	if el.ownsClient {
		if cerr := el.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
