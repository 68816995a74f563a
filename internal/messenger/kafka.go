package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/pollbot/internal/model"
)

// OutboundKind 出站操作类型
type OutboundKind string

const (
	OutboundSend   OutboundKind = "send"
	OutboundReply  OutboundKind = "reply"
	OutboundUpdate OutboundKind = "update"
	OutboundDirect OutboundKind = "direct"
)

// OutboundMessage 交由网关投递的消息。
// 新消息的 ID 由本端生成，网关以此作为平台消息ID回传按钮事件。
type OutboundMessage struct {
	ID        string               `json:"id"`
	Kind      OutboundKind         `json:"kind"`
	ChannelID string               `json:"channelId,omitempty"`
	MessageID string               `json:"messageId,omitempty"`
	UserID    string               `json:"userId,omitempty"`
	Content   model.MessageContent `json:"content"`
	CreatedAt time.Time            `json:"createdAt"`
}

// OutboundPublisher 出站消息发布者，由 kafka.Producer 实现
type OutboundPublisher interface {
	PublishOutbound(ctx context.Context, key string, payload any) error
}

// KafkaMessenger 通过 Kafka 出站主题实现 Messenger
type KafkaMessenger struct {
	publisher OutboundPublisher
	newID     func() string
}

func NewKafkaMessenger(publisher OutboundPublisher) *KafkaMessenger {
	return &KafkaMessenger{
		publisher: publisher,
		newID:     uuid.NewString,
	}
}

func (m *KafkaMessenger) publish(ctx context.Context, key string, msg *OutboundMessage) error {
	msg.CreatedAt = time.Now()
	if err := m.publisher.PublishOutbound(ctx, key, msg); err != nil {
		return fmt.Errorf("投递%s消息失败: %w", msg.Kind, err)
	}
	return nil
}

func (m *KafkaMessenger) Send(ctx context.Context, channelID string, content model.MessageContent) (string, error) {
	msg := &OutboundMessage{
		ID:        m.newID(),
		Kind:      OutboundSend,
		ChannelID: channelID,
		Content:   content,
	}
	if err := m.publish(ctx, channelID, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (m *KafkaMessenger) Reply(ctx context.Context, channelID, messageID string, content model.MessageContent) (string, error) {
	msg := &OutboundMessage{
		ID:        m.newID(),
		Kind:      OutboundReply,
		ChannelID: channelID,
		MessageID: messageID,
		Content:   content,
	}
	if err := m.publish(ctx, channelID, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (m *KafkaMessenger) Update(ctx context.Context, channelID, messageID string, content model.MessageContent) error {
	return m.publish(ctx, channelID, &OutboundMessage{
		ID:        m.newID(),
		Kind:      OutboundUpdate,
		ChannelID: channelID,
		MessageID: messageID,
		Content:   content,
	})
}

func (m *KafkaMessenger) SendDirect(ctx context.Context, userID string, content model.MessageContent) error {
	return m.publish(ctx, "dm:"+userID, &OutboundMessage{
		ID:      m.newID(),
		Kind:    OutboundDirect,
		UserID:  userID,
		Content: content,
	})
}
