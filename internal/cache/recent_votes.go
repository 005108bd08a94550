package cache

import (
	"fmt"
	"sync"

	"github.com/lvdashuaibi/lyricvote/internal/model"
)

// RecentVotes 最近投票事件的有界缓存
//
// 底层是固定容量的环形缓冲区，写满后淘汰最旧的事件。
// 所有方法并发安全，读取返回的切片是独立副本，顺序为最新在前。
type RecentVotes struct {
	mu     sync.Mutex
	events []model.VoteEvent
	head   int // 下一个写入位置
	size   int
}

// NewRecentVotes 创建容量为capacity的缓存，capacity必须大于0
func NewRecentVotes(capacity int) *RecentVotes {
	if capacity < 1 {
		panic(fmt.Sprintf("cache: 无效的容量 %d", capacity))
	}
	return &RecentVotes{
		events: make([]model.VoteEvent, capacity),
	}
}

// Add 追加最新事件，已满时覆盖最旧的事件
func (c *RecentVotes) Add(event model.VoteEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events[c.head] = event
	c.head = (c.head + 1) % len(c.events)
	if c.size < len(c.events) {
		c.size++
	}
}

// Snapshot 返回当前全部事件的副本，最新在前
func (c *RecentVotes) Snapshot() []model.VoteEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyNewest(c.size)
}

// Recent 返回最新的n个事件，最新在前
func (c *RecentVotes) Recent(n int) []model.VoteEvent {
	if n <= 0 {
		return []model.VoteEvent{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyNewest(min(n, c.size))
}

// Len 当前保留的事件数
func (c *RecentVotes) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *RecentVotes) Capacity() int {
	return len(c.events)
}

// copyNewest 调用方必须持有锁
func (c *RecentVotes) copyNewest(n int) []model.VoteEvent {
	out := make([]model.VoteEvent, n)
	capacity := len(c.events)
	for i := 0; i < n; i++ {
		out[i] = c.events[(c.head-1-i+capacity)%capacity]
	}
	return out
}
