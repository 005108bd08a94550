package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OriginHeader 消息头，标记事件来源实例
const OriginHeader = "origin"

type Producer struct {
	writer     *kafka.Writer
	instanceID string
	logger     *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, instanceID string, logger *zap.Logger) (*Producer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 启动时确认主题可用
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			topicPartitions++
		}
	}
	logger.Info("生产者检测到Kafka主题分区",
		zap.String("topic", cfg.Topic),
		zap.Int("partitions", topicPartitions))

	p := &Producer{
		instanceID: instanceID,
		logger:     logger,
	}

	// 异步写入，发送失败只记录日志，不阻塞请求
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.logger.Warn("发送投票事件到Kafka失败",
					zap.Int("messages", len(messages)),
					zap.Error(err))
			}
		},
	}

	return p, nil
}

// PublishVoteEvent 发送投票事件，同一首歌的事件进入同一分区
func (p *Producer) PublishVoteEvent(ctx context.Context, event model.VoteEvent) error {
	msg, err := encodeMessage(event, p.instanceID)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者，会等待异步批次写完
func (p *Producer) Close() error {
	return p.writer.Close()
}

func encodeMessage(event model.VoteEvent, origin string) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化投票事件失败: %w", err)
	}

	return kafka.Message{
		Key:   []byte(event.Album + "/" + event.SongName),
		Value: data,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: OriginHeader, Value: []byte(origin)},
		},
	}, nil
}
