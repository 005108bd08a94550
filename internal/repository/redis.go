package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"go.uber.org/zap"
)

const (
	// Lua脚本: 写入最新事件并裁剪到容量上限，保证两步原子执行
	PushRecentVoteScript = `
		redis.call('LPUSH', KEYS[1], ARGV[1])
		redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
		return redis.call('LLEN', KEYS[1])
	`

	pushRecentVoteScriptName = "pushRecentVote"
)

// RedisMirror 将最近投票事件镜像到Redis列表，供多实例共享和重启后恢复
//
// Push 只做非阻塞入队，写Redis由后台协程完成，缓冲区满时直接丢弃。
type RedisMirror struct {
	client   *redis.Client
	key      string
	capacity int
	logger   *zap.Logger

	mu           sync.Mutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值

	queue    chan model.VoteEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRedisMirror(cfg config.RedisConfig, capacity int, logger *zap.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	buffer := cfg.MirrorBuffer
	if buffer <= 0 {
		buffer = 256
	}

	m := &RedisMirror{
		client:       client,
		key:          cfg.MirrorKey,
		capacity:     capacity,
		logger:       logger,
		scriptHashes: make(map[string]string),
		queue:        make(chan model.VoteEvent, buffer),
		stopChan:     make(chan struct{}),
	}

	if err := m.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return m, nil
}

// preloadScripts 预加载所有Lua脚本
func (m *RedisMirror) preloadScripts(ctx context.Context) error {
	sha1, err := m.client.ScriptLoad(ctx, PushRecentVoteScript).Result()
	if err != nil {
		return fmt.Errorf("加载最近投票脚本失败: %w", err)
	}
	m.mu.Lock()
	m.scriptHashes[pushRecentVoteScriptName] = sha1
	m.mu.Unlock()
	return nil
}

// Push 投递事件到后台写入队列，队列满时丢弃
func (m *RedisMirror) Push(event model.VoteEvent) {
	select {
	case m.queue <- event:
	default:
		m.logger.Warn("Redis镜像队列已满，丢弃投票事件",
			zap.String("album", event.Album),
			zap.String("song_name", event.SongName))
	}
}

// Start 启动后台写入协程
func (m *RedisMirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case event := <-m.queue:
				m.write(event)
			case <-m.stopChan:
				// 停止前写完已入队的事件
				for {
					select {
					case event := <-m.queue:
						m.write(event)
					default:
						return
					}
				}
			}
		}
	}()
}

func (m *RedisMirror) write(event model.VoteEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.Options().WriteTimeout+m.client.Options().ReadTimeout)
	defer cancel()
	if err := m.PushNow(ctx, event); err != nil {
		m.logger.Warn("写入Redis最近投票失败", zap.Error(err))
	}
}

// PushNow 同步写入单个事件，使用预加载的Lua脚本
func (m *RedisMirror) PushNow(ctx context.Context, event model.VoteEvent) error {
	data, err := encodeVoteEvent(event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sha1, ok := m.scriptHashes[pushRecentVoteScriptName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("脚本未预加载")
	}

	err = m.client.EvalSha(ctx, sha1, []string{m.key}, data, m.capacity).Err()
	if err != nil && isNoScript(err) {
		// 脚本被清除(例如Redis重启)，重新加载并再次尝试
		if err := m.preloadScripts(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		sha1 = m.scriptHashes[pushRecentVoteScriptName]
		m.mu.Unlock()
		err = m.client.EvalSha(ctx, sha1, []string{m.key}, data, m.capacity).Err()
	}
	if err != nil {
		return fmt.Errorf("执行最近投票脚本失败: %w", err)
	}
	return nil
}

// Load 读取镜像中的事件，最新在前；无法解析的条目会被跳过
func (m *RedisMirror) Load(ctx context.Context) ([]model.VoteEvent, error) {
	items, err := m.client.LRange(ctx, m.key, 0, int64(m.capacity)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取Redis最近投票失败: %w", err)
	}

	events := make([]model.VoteEvent, 0, len(items))
	for _, item := range items {
		event, err := decodeVoteEvent(item)
		if err != nil {
			m.logger.Warn("跳过无法解析的最近投票", zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Ping 检查Redis连接
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close 停止后台协程并关闭Redis连接
func (m *RedisMirror) Close() error {
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	m.wg.Wait()
	return m.client.Close()
}

func isNoScript(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func encodeVoteEvent(event model.VoteEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("序列化投票事件失败: %w", err)
	}
	return string(data), nil
}

func decodeVoteEvent(data string) (model.VoteEvent, error) {
	var event model.VoteEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return model.VoteEvent{}, fmt.Errorf("解析投票事件失败: %w", err)
	}
	event.Time = event.Time.UTC()
	return event, nil
}
