package messenger

import (
	"context"

	"github.com/lvdashuaibi/pollbot/internal/model"
)

// Messenger 聊天平台消息通道
type Messenger interface {
	// Send 向频道发送消息，返回消息ID
	Send(ctx context.Context, channelID string, content model.MessageContent) (string, error)
	// Reply 回复频道中的某条消息
	Reply(ctx context.Context, channelID, messageID string, content model.MessageContent) (string, error)
	// Update 替换已发送消息的内容
	Update(ctx context.Context, channelID, messageID string, content model.MessageContent) error
	// SendDirect 私信用户
	SendDirect(ctx context.Context, userID string, content model.MessageContent) error
}
