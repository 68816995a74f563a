package repository

import (
	"context"

	"github.com/lvdashuaibi/pollbot/internal/model"
)

// PollRepository 投票记录持久化
type PollRepository interface {
	InsertPoll(ctx context.Context, poll *model.Poll) (int64, error)
	// FindPollByID 读主库，供加锁后的复核使用
	FindPollByID(ctx context.Context, id int64) (*model.Poll, error)
	// FindOpenPollByMessage 按消息与频道查找未删除的投票
	FindOpenPollByMessage(ctx context.Context, messageID, channelID string) (*model.Poll, error)
	// FindExpiredPolls 查找 expireAt <= nowMs 且未删除的投票
	FindExpiredPolls(ctx context.Context, nowMs int64) ([]*model.Poll, error)
	// UpdatePollVotes 在行锁内读取-修改-写回投票记录
	UpdatePollVotes(ctx context.Context, id int64, mutate func(poll *model.Poll) error) (*model.Poll, error)
	// MarkPollDeleted 条件更新 deleted，返回本次是否真正完成了状态迁移
	MarkPollDeleted(ctx context.Context, id int64, state model.PollState) (bool, error)
}

// UserRepository 用户经济数据持久化（权威数据源）
type UserRepository interface {
	FindUserByID(ctx context.Context, userID string) (*model.UserCache, error)
	FindUserByUsername(ctx context.Context, username string) (*model.UserCache, error)
	FindUsersByIDs(ctx context.Context, userIDs []string) ([]*model.UserCache, error)
	SaveUser(ctx context.Context, user *model.UserCache) error
}
