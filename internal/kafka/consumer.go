package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Consumer struct {
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// MessageHandler 处理一条网关事件
type MessageHandler func(ctx context.Context, event *model.GatewayEvent) error

func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}
	ctx, cancel := context.WithCancel(context.Background())

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	// 同组 reader 数量超过分区数时多余的 reader 会空闲
	partitions, err := topicPartitions(ctx, cfg.Brokers[0], cfg.InboundTopic)
	if err != nil {
		logger.Warn("读取Kafka分区信息失败", zap.String("topic", cfg.InboundTopic), zap.Error(err))
	} else if len(partitions) > 0 && len(partitions) < numWorkers {
		logger.Info("分区数量小于期望的goroutine数量",
			zap.Int("partitions", len(partitions)), zap.Int("workers", numWorkers))
		numWorkers = len(partitions)
	}

	readers := make([]*kafka.Reader, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.InboundTopic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			StartOffset: kafka.LastOffset,
		}))
	}
	logger.Info("创建消费者组Reader", zap.String("groupId", cfg.GroupID), zap.Int("workers", numWorkers))

	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// StartConsuming 开始消费消息，使用多个goroutine并发消费
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	logger.Info("已启动Kafka消费者工作线程", zap.Int("count", len(c.readers)))
}

func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			logger.Warn("读取消息失败", zap.Int("worker", workerID), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		event, err := DecodeGatewayEvent(m.Value)
		if err != nil {
			logger.Warn("解析消息失败", zap.Int("worker", workerID), zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		if err := handler(c.ctx, event); err != nil {
			logger.Error("处理消息失败",
				zap.Int("worker", workerID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// DecodeGatewayEvent 解析并校验入站事件
func DecodeGatewayEvent(data []byte) (*model.GatewayEvent, error) {
	var event model.GatewayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	switch event.Type {
	case model.GatewayChannelMessage:
		if event.Message == nil {
			return nil, fmt.Errorf("事件 %s 缺少 message", event.Type)
		}
	case model.GatewayButtonClicked:
		if event.Interaction == nil {
			return nil, fmt.Errorf("事件 %s 缺少 interaction", event.Type)
		}
	default:
		return nil, fmt.Errorf("未知事件类型 %q", event.Type)
	}
	return &event, nil
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	logger.Info("正在停止所有Kafka消费者工作线程...")
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭消费者 #%d 失败: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
