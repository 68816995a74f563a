package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/pollbot/internal/economy"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/lvdashuaibi/pollbot/internal/service"
	"go.uber.org/zap"
)

// PollAPI 投票生命周期操作
type PollAPI interface {
	Create(ctx context.Context, req service.CreateRequest) (*model.Poll, error)
	SubmitVote(ctx context.Context, pollID int64, voterID, displayName string, selection []string) (*model.Poll, error)
	Cancel(ctx context.Context, pollID int64, requesterID string) error
	Finish(ctx context.Context, pollID int64, requesterID string) error
	Poll(ctx context.Context, pollID int64) (*model.Poll, error)
	Results(ctx context.Context, pollID int64) (*model.PollResult, error)
}

// EconomyAPI 用户封禁与缓存管理
type EconomyAPI interface {
	GetUserBanStatus(ctx context.Context, userID string, funcType model.FuncType) (*model.BanStatus, error)
	Unban(ctx context.Context, usernames []string, funcType model.FuncType) ([]string, error)
	CacheStats(ctx context.Context) (*model.CacheStats, error)
}

// GuardAPI 游戏入口检查
type GuardAPI interface {
	CheckPlay(ctx context.Context, userID string, game model.FuncType) (*economy.PlayDecision, error)
}

// Resolver GraphQL解析器
type Resolver struct {
	polls   PollAPI
	economy EconomyAPI
	guard   GuardAPI
}

func NewResolver(polls PollAPI, eco EconomyAPI, guard GuardAPI) *Resolver {
	return &Resolver{polls: polls, economy: eco, guard: guard}
}

func parsePollID(id graphql.ID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("无效的投票ID: %s", id)
	}
	return n, nil
}

func parseFuncType(s string) (model.FuncType, error) {
	t, ok := model.ParseFuncType(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return "", fmt.Errorf("未知功能类型: %s", s)
	}
	return t, nil
}

// Poll 查询投票，不存在时返回 null
func (r *Resolver) Poll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	id, err := parsePollID(args.ID)
	if err != nil {
		return nil, err
	}
	p, err := r.polls.Poll(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PollResolver{poll: p}, nil
}

func (r *Resolver) PollResults(ctx context.Context, args struct{ ID graphql.ID }) (*PollResultResolver, error) {
	id, err := parsePollID(args.ID)
	if err != nil {
		return nil, err
	}
	result, err := r.polls.Results(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PollResultResolver{result: result}, nil
}

func (r *Resolver) UserBanStatus(ctx context.Context, args struct {
	UserID string
	Type   string
}) (*BanStatusResolver, error) {
	fn, err := parseFuncType(args.Type)
	if err != nil {
		return nil, err
	}
	status, err := r.economy.GetUserBanStatus(ctx, args.UserID, fn)
	if err != nil {
		return nil, err
	}
	return &BanStatusResolver{status: status}, nil
}

func (r *Resolver) CacheStats(ctx context.Context) (*CacheStatsResolver, error) {
	stats, err := r.economy.CacheStats(ctx)
	if err != nil {
		return nil, err
	}
	return &CacheStatsResolver{stats: stats}, nil
}

func (r *Resolver) CheckPlay(ctx context.Context, args struct {
	UserID string
	Type   string
}) (*PlayDecisionResolver, error) {
	fn, err := parseFuncType(args.Type)
	if err != nil {
		return nil, err
	}
	if fn == model.FuncAll {
		return nil, fmt.Errorf("all 不是具体的游戏类型")
	}
	d, err := r.guard.CheckPlay(ctx, args.UserID, fn)
	if err != nil {
		return nil, err
	}
	return &PlayDecisionResolver{decision: d}, nil
}

// CreatePollInput 创建投票输入
type CreatePollInput struct {
	ChannelID       string
	ClanID          *string
	CreatorID       string
	CreatorName     string
	Title           string
	Options         []string
	Mode            *string
	ExpiryHours     *float64
	Color           *string
	IsChannelPublic *bool
}

func (r *Resolver) CreatePoll(ctx context.Context, args struct{ Input CreatePollInput }) (*PollResolver, error) {
	in := args.Input
	req := service.CreateRequest{
		ChannelID:       in.ChannelID,
		CreatorID:       in.CreatorID,
		CreatorName:     in.CreatorName,
		Title:           in.Title,
		Options:         in.Options,
		IsChannelPublic: true,
	}
	if in.ClanID != nil {
		req.ClanID = *in.ClanID
	}
	if in.Mode != nil {
		req.Mode = model.ChoiceMode(strings.ToUpper(*in.Mode))
	}
	if in.ExpiryHours != nil {
		req.ExpiryHours = *in.ExpiryHours
	}
	if in.Color != nil {
		req.Color = *in.Color
	}
	if in.IsChannelPublic != nil {
		req.IsChannelPublic = *in.IsChannelPublic
	}

	p, err := r.polls.Create(ctx, req)
	if err != nil {
		logger.Warn("GraphQL创建投票失败", zap.String("channelId", in.ChannelID), zap.Error(err))
		return nil, err
	}
	return &PollResolver{poll: p}, nil
}

func (r *Resolver) Vote(ctx context.Context, args struct {
	PollID      graphql.ID
	VoterID     string
	DisplayName string
	Options     []string
}) (*PollResolver, error) {
	id, err := parsePollID(args.PollID)
	if err != nil {
		return nil, err
	}
	p, err := r.polls.SubmitVote(ctx, id, args.VoterID, args.DisplayName, args.Options)
	if err != nil {
		return nil, err
	}
	return &PollResolver{poll: p}, nil
}

type pollActionArgs struct {
	PollID      graphql.ID
	RequesterID string
}

func (r *Resolver) CancelPoll(ctx context.Context, args pollActionArgs) (*ActionResponseResolver, error) {
	return r.pollAction(ctx, args, "已取消", r.polls.Cancel)
}

func (r *Resolver) FinishPoll(ctx context.Context, args pollActionArgs) (*ActionResponseResolver, error) {
	return r.pollAction(ctx, args, "已结束", r.polls.Finish)
}

// pollAction 权限不足或投票繁忙以失败响应返回，其它错误作为 GraphQL 错误
func (r *Resolver) pollAction(ctx context.Context, args pollActionArgs, done string,
	action func(context.Context, int64, string) error) (*ActionResponseResolver, error) {
	id, err := parsePollID(args.PollID)
	if err != nil {
		return nil, err
	}
	err = action(ctx, id, args.RequesterID)
	switch {
	case err == nil:
		return &ActionResponseResolver{success: true, message: fmt.Sprintf("投票 %d %s", id, done)}, nil
	case errors.Is(err, service.ErrPermissionDenied), errors.Is(err, service.ErrPollBusy):
		return &ActionResponseResolver{success: false, message: err.Error()}, nil
	default:
		return nil, err
	}
}

func (r *Resolver) Unban(ctx context.Context, args struct {
	Usernames []string
	Type      string
}) (*UnbanResponseResolver, error) {
	fn, err := parseFuncType(args.Type)
	if err != nil {
		return &UnbanResponseResolver{message: err.Error(), usernames: []string{}}, nil
	}
	if len(args.Usernames) == 0 {
		return &UnbanResponseResolver{message: "用户名列表不能为空", usernames: []string{}}, nil
	}

	unbanned, err := r.economy.Unban(ctx, args.Usernames, fn)
	if err != nil {
		return nil, err
	}
	if len(unbanned) == 0 {
		return &UnbanResponseResolver{message: "没有需要解除的封禁", usernames: []string{}}, nil
	}
	return &UnbanResponseResolver{
		success:   true,
		message:   fmt.Sprintf("%s 已解除 %s 封禁", strings.Join(unbanned, ", "), fn),
		usernames: unbanned,
	}, nil
}

// PollResolver 投票解析器
type PollResolver struct {
	poll *model.Poll
}

func (r *PollResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.poll.ID, 10))
}

func (r *PollResolver) MessageID() string   { return r.poll.MessageID }
func (r *PollResolver) ChannelID() string   { return r.poll.ChannelID }
func (r *PollResolver) ClanID() string      { return r.poll.ClanID }
func (r *PollResolver) CreatorID() string   { return r.poll.CreatorID }
func (r *PollResolver) CreatorName() string { return r.poll.CreatorName }
func (r *PollResolver) Title() string       { return r.poll.Title }
func (r *PollResolver) Options() []string   { return r.poll.Options }
func (r *PollResolver) Mode() string        { return string(r.poll.Mode) }
func (r *PollResolver) Color() string       { return r.poll.Color }
func (r *PollResolver) State() string       { return string(r.poll.State) }
func (r *PollResolver) Deleted() bool       { return r.poll.Deleted }

func (r *PollResolver) CreatedAt() string {
	return time.UnixMilli(r.poll.CreatedAt).UTC().Format(time.RFC3339)
}

func (r *PollResolver) ExpireAt() string {
	return time.UnixMilli(r.poll.ExpireAt).UTC().Format(time.RFC3339)
}

func (r *PollResolver) Votes() []*VoteResolver {
	out := make([]*VoteResolver, len(r.poll.Votes))
	for i := range r.poll.Votes {
		out[i] = &VoteResolver{vote: r.poll.Votes[i]}
	}
	return out
}

// VoteResolver 单条投票记录
type VoteResolver struct {
	vote model.VoteRecord
}

func (r *VoteResolver) VoterID() string     { return r.vote.VoterID }
func (r *VoteResolver) DisplayName() string { return r.vote.DisplayName }

func (r *VoteResolver) Selected() []string {
	selected := r.vote.Selected()
	if selected == nil {
		return []string{}
	}
	return selected
}

// PollResultResolver 聚合结果解析器
type PollResultResolver struct {
	result *model.PollResult
}

func (r *PollResultResolver) PollID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.result.PollID, 10))
}

func (r *PollResultResolver) Title() string { return r.result.Title }
func (r *PollResultResolver) Mode() string  { return string(r.result.Mode) }

func (r *PollResultResolver) Options() []*OptionResultResolver {
	out := make([]*OptionResultResolver, len(r.result.Options))
	for i := range r.result.Options {
		out[i] = &OptionResultResolver{option: r.result.Options[i]}
	}
	return out
}

type OptionResultResolver struct {
	option model.OptionResult
}

func (r *OptionResultResolver) Index() int32  { return int32(r.option.Index) }
func (r *OptionResultResolver) Label() string { return r.option.Label }
func (r *OptionResultResolver) Count() int32  { return int32(len(r.option.Voters)) }

func (r *OptionResultResolver) Voters() []string {
	if r.option.Voters == nil {
		return []string{}
	}
	return r.option.Voters
}

// BanStatusResolver 封禁状态解析器
type BanStatusResolver struct {
	status *model.BanStatus
}

func (r *BanStatusResolver) IsBanned() bool { return r.status.IsBanned }

func (r *BanStatusResolver) BanInfo() *BanInfoResolver {
	if r.status.BanInfo == nil {
		return nil
	}
	return &BanInfoResolver{info: r.status.BanInfo}
}

type BanInfoResolver struct {
	info *model.BanInfo
}

func (r *BanInfoResolver) Type() string { return string(r.info.Type) }
func (r *BanInfoResolver) Note() string { return r.info.Note }

func (r *BanInfoResolver) UnBanTime() string {
	return time.Unix(r.info.UnBanTime, 0).UTC().Format(time.RFC3339)
}

type CacheStatsResolver struct {
	stats *model.CacheStats
}

func (r *CacheStatsResolver) UserCacheKeys() int32 { return int32(r.stats.UserCacheKeys) }
func (r *CacheStatsResolver) ActiveLocks() int32   { return int32(r.stats.ActiveLocks) }

type PlayDecisionResolver struct {
	decision *economy.PlayDecision
}

func (r *PlayDecisionResolver) Allowed() bool  { return r.decision.Allowed }
func (r *PlayDecisionResolver) Reason() string { return r.decision.Reason }

func (r *PlayDecisionResolver) RetryAfterSeconds() int32 {
	return int32(r.decision.RetryAfter.Round(time.Second) / time.Second)
}

// ActionResponseResolver 取消/结束操作响应
type ActionResponseResolver struct {
	success bool
	message string
}

func (r *ActionResponseResolver) Success() bool   { return r.success }
func (r *ActionResponseResolver) Message() string { return r.message }

// UnbanResponseResolver 解除封禁响应
type UnbanResponseResolver struct {
	success   bool
	message   string
	usernames []string
}

func (r *UnbanResponseResolver) Success() bool       { return r.success }
func (r *UnbanResponseResolver) Message() string     { return r.message }
func (r *UnbanResponseResolver) Usernames() []string { return r.usernames }
