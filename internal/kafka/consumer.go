package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer 订阅其它实例发布的投票事件，用于同步本地最近投票缓存
type Consumer struct {
	reader     *kafka.Reader
	instanceID string
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type MessageHandler func(event model.VoteEvent)

// consumerGroupID 每个实例一个固定的消费组，重启后继续使用原来的组
func consumerGroupID(base, instanceID string) string {
	return fmt.Sprintf("%s-%s", base, instanceID)
}

func NewConsumer(cfg config.KafkaConfig, instanceID string, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	// 每个实例使用独立的消费者组，才能收到全部事件；只关心启动之后的新事件
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     consumerGroupID(cfg.GroupID, instanceID),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
	})

	return &Consumer{
		reader:     reader,
		instanceID: instanceID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// StartConsuming 启动消费协程
func (c *Consumer) StartConsuming(handler MessageHandler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeMessages(handler)
	}()
	c.logger.Info("Kafka消费者已启动", zap.String("group", c.reader.Config().GroupID))
}

func (c *Consumer) consumeMessages(handler MessageHandler) {
	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("读取Kafka消息失败", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		event, skip, err := decodeMessage(m, c.instanceID)
		if err != nil {
			c.logger.Warn("解析Kafka消息失败",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			continue
		}
		if skip {
			continue
		}
		handler(event)
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("关闭Kafka消费者失败: %w", err)
	}
	c.logger.Info("Kafka消费者已停止")
	return nil
}

// decodeMessage 解析消息；本实例自己发出的事件返回skip=true
func decodeMessage(m kafka.Message, self string) (model.VoteEvent, bool, error) {
	for _, h := range m.Headers {
		if h.Key == OriginHeader && string(h.Value) == self {
			return model.VoteEvent{}, true, nil
		}
	}

	var event model.VoteEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return model.VoteEvent{}, false, fmt.Errorf("解析投票事件失败: %w", err)
	}
	event.Time = event.Time.UTC()
	return event, false, nil
}
