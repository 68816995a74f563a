package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter kafka.Writer 的最小接口，便于测试替换
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer        messageWriter
	eventTopic    string
	outboundTopic string
}

func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	// 检测事件主题分区数，仅用于日志
	if partitions, err := topicPartitions(context.Background(), cfg.Brokers[0], cfg.EventTopic); err != nil {
		logger.Warn("读取Kafka分区信息失败", zap.String("topic", cfg.EventTopic), zap.Error(err))
	} else {
		logger.Info("生产者检测到Kafka主题分区", zap.String("topic", cfg.EventTopic), zap.Int("partitions", len(partitions)))
	}

	// 不设置 Topic，每条消息自带主题；Hash 分区器保证同一投票的事件进入同一分区
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newProducer(writer, cfg), nil
}

func newProducer(w messageWriter, cfg config.KafkaConfig) *Producer {
	return &Producer{
		writer:        w,
		eventTopic:    cfg.EventTopic,
		outboundTopic: cfg.OutboundTopic,
	}
}

// PublishPollEvent 发送投票生命周期事件，以投票ID作为分区key
func (p *Producer) PublishPollEvent(ctx context.Context, event *model.PollEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投票事件失败: %w", err)
	}

	msg := kafka.Message{
		Topic: p.eventTopic,
		Key:   []byte(strconv.FormatInt(event.PollID, 10)),
		Value: data,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}
	return nil
}

// PublishOutbound 发送待网关投递的消息，key 通常为频道ID以保证同一频道内有序
func (p *Producer) PublishOutbound(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化出站消息失败: %w", err)
	}

	msg := kafka.Message{
		Topic: p.outboundTopic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送出站消息失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

func topicPartitions(ctx context.Context, broker, topic string) ([]int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(partitions))
	for _, p := range partitions {
		if p.Topic == topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}
