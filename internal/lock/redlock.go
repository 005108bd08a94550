package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/lyricvote/config"
	"go.uber.org/zap"
)

const redisLockPrefix = "lyricvote:lock:"

// 按token比较后删除，避免删掉其它实例在锁过期后拿到的锁
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// 时钟漂移补偿系数
const clockDriftFactor = 0.01

// RedLock 在多个独立Redis节点上按多数派获取锁
type RedLock struct {
	nodes      []*redis.Client
	ttl        time.Duration
	ownsClient bool
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]string // 锁名 -> 本实例写入的token
}

func NewRedLock(cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedLock, error) {
	if len(cfg.LockAddresses) == 0 {
		return nil, fmt.Errorf("redis.lock_addresses 不能为空")
	}

	nodes := make([]*redis.Client, 0, len(cfg.LockAddresses))
	closeAll := func() {
		for _, n := range nodes {
			n.Close()
		}
	}
	for _, addr := range cfg.LockAddresses {
		node := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
		nodes = append(nodes, node)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+time.Second)
		err := node.Ping(ctx).Err()
		cancel()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
	}

	rl := NewRedLockFromClients(nodes, ttl, logger)
	rl.ownsClient = true
	return rl, nil
}

// NewRedLockFromClients 复用已有客户端，Close时不会关闭它们
func NewRedLockFromClients(nodes []*redis.Client, ttl time.Duration, logger *zap.Logger) *RedLock {
	return &RedLock{
		nodes:  nodes,
		ttl:    ttl,
		logger: logger,
		tokens: make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.nodes)/2 + 1
}

func (r *RedLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[name]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", name)
	}

	key := redisLockPrefix + name
	token := uuid.NewString()
	start := time.Now()

	granted := 0
	for _, node := range r.nodes {
		ok, err := node.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			r.logger.Warn("Redis锁节点写入失败",
				zap.String("node", node.Options().Addr),
				zap.String("lock", name),
				zap.Error(err))
			continue
		}
		if ok {
			granted++
		}
	}

	drift := time.Duration(float64(r.ttl)*clockDriftFactor) + 2*time.Millisecond
	validity := r.ttl - time.Since(start) - drift
	if granted >= r.quorum() && validity > 0 {
		r.tokens[name] = token
		r.logger.Info("获取Redis锁成功",
			zap.String("lock", name),
			zap.Int("granted", granted),
			zap.Duration("validity", validity))
		return true, nil
	}

	// 未达到多数派，撤销已写入的节点
	r.releaseNodes(context.Background(), key, token)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

func (r *RedLock) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, name)
	}
	delete(r.tokens, name)

	if released := r.releaseNodes(ctx, redisLockPrefix+name, token); released == 0 {
		return fmt.Errorf("锁 %s 已过期或被其它实例持有", name)
	}
	return nil
}

// releaseNodes 返回实际删除了锁的节点数
func (r *RedLock) releaseNodes(ctx context.Context, key, token string) int {
	released := 0
	for _, node := range r.nodes {
		n, err := releaseScript.Run(ctx, node, []string{key}, token).Int()
		if err != nil {
			r.logger.Warn("Redis锁节点释放失败",
				zap.String("node", node.Options().Addr),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		released += n
	}
	return released
}

func (r *RedLock) Close() error {
	r.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	for name, token := range r.tokens {
		r.releaseNodes(ctx, redisLockPrefix+name, token)
	}
	cancel()
	r.tokens = make(map[string]string)
	r.mu.Unlock()

	if !r.ownsClient {
		return nil
	}
	var firstErr error
	for _, node := range r.nodes {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
