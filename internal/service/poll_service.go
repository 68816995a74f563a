package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/messenger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/poll"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/lvdashuaibi/pollbot/internal/tracker"
	"go.uber.org/zap"
)

// 软过期策略
const (
	SoftExpirySuppressRender = config.SoftExpirySuppressRender
	SoftExpiryFinalize       = config.SoftExpiryFinalize
)

// EventPublisher 投票生命周期事件发布者
type EventPublisher interface {
	PublishPollEvent(ctx context.Context, event *model.PollEvent) error
}

// CreateRequest 创建投票的参数
type CreateRequest struct {
	// MessageID 非空时将该消息（创建对话框）替换为投票，否则发送新消息
	MessageID       string
	ChannelID       string
	ClanID          string
	CreatorID       string
	CreatorName     string
	Title           string
	Options         []string
	Mode            model.ChoiceMode
	ExpiryHours     float64 // 0 表示使用默认值
	Color           string
	IsChannelPublic bool
	ModeMessage     int
}

// PollService 投票生命周期：创建、投票、取消、结束
type PollService struct {
	polls     repository.PollRepository
	users     repository.UserRepository
	locks     *lock.Service
	messenger messenger.Messenger
	tracker   *tracker.ActivityTracker
	events    EventPublisher
	cfg       config.PollConfig

	now func() time.Time

	// 已点击 Finish、等待结束的投票，期间拒绝新的投票
	closing sync.Map
}

func NewPollService(
	polls repository.PollRepository,
	users repository.UserRepository,
	locks *lock.Service,
	msgr messenger.Messenger,
	activity *tracker.ActivityTracker,
	events EventPublisher,
	cfg config.PollConfig,
) *PollService {
	policy, err := config.NormalizeSoftExpiryPolicy(cfg.SoftExpiryPolicy)
	if err != nil {
		logger.Warn("软过期策略无效，使用 suppress_render", zap.String("policy", cfg.SoftExpiryPolicy), zap.Error(err))
		policy = SoftExpirySuppressRender
	}
	cfg.SoftExpiryPolicy = policy

	s := &PollService{
		polls:     polls,
		users:     users,
		locks:     locks,
		messenger: msgr,
		tracker:   activity,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
	}

	if activity != nil && cfg.SoftExpiryPolicy == SoftExpiryFinalize {
		activity.OnExpired(s.onSoftExpired)
	}
	return s
}

func pollMutexKey(id int64) string {
	return fmt.Sprintf("poll:%d", id)
}

// Create 校验参数、发送投票消息并持久化
func (s *PollService) Create(ctx context.Context, req CreateRequest) (*model.Poll, error) {
	hours := req.ExpiryHours
	if hours == 0 {
		hours = s.cfg.DefaultExpiryHours
	}
	if math.IsNaN(hours) {
		return nil, ErrInvalidExpiry
	}
	if hours < s.cfg.MinExpiryHours {
		return nil, ErrExpiryTooShort
	}
	now := s.now()
	// 到期时间为 int64 毫秒，超出表示范围的时长直接拒绝
	ttlMs := hours * float64(time.Hour/time.Millisecond)
	if math.IsInf(hours, 1) || ttlMs >= float64(math.MaxInt64-now.UnixMilli()) {
		return nil, ErrExpiryTooLong
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrMissingTitle
	}

	options := make([]string, 0, len(req.Options))
	for _, o := range req.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	if len(options) < model.MinOptions {
		return nil, ErrTooFewOptions
	}
	if len(options) > model.MaxOptions {
		return nil, ErrTooManyOptions
	}

	mode := req.Mode
	if mode == "" {
		mode = model.ChoiceSingle
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	color := req.Color
	if color == "" {
		color = poll.RandomColor()
	}

	p := &model.Poll{
		MessageID:       req.MessageID,
		ChannelID:       req.ChannelID,
		ClanID:          req.ClanID,
		CreatorID:       req.CreatorID,
		CreatorName:     req.CreatorName,
		Title:           title,
		Options:         options,
		Mode:            mode,
		Color:           color,
		IsChannelPublic: req.IsChannelPublic,
		ModeMessage:     req.ModeMessage,
		CreatedAt:       now.UnixMilli(),
		ExpireAt:        now.UnixMilli() + int64(math.Round(ttlMs)),
		State:           model.StateOpen,
		Votes:           []model.VoteRecord{},
	}

	content := poll.LiveContent(p, s.cfg.RenderBudget, now)
	if p.MessageID != "" {
		if err := s.messenger.Update(ctx, p.ChannelID, p.MessageID, content); err != nil {
			return nil, fmt.Errorf("发送投票消息失败: %w", err)
		}
	} else {
		messageID, err := s.messenger.Send(ctx, p.ChannelID, content)
		if err != nil {
			return nil, fmt.Errorf("发送投票消息失败: %w", err)
		}
		p.MessageID = messageID
	}

	id, err := s.polls.InsertPoll(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("保存投票失败: %w", err)
	}
	p.ID = id

	if s.tracker != nil {
		s.tracker.StartTracking(p.ClanID, p.ChannelID, p.MessageID)
	}

	logger.Info("投票已创建",
		zap.Int64("pollId", p.ID),
		zap.String("channelId", p.ChannelID),
		zap.Int("options", len(p.Options)),
		zap.String("mode", string(p.Mode)))
	s.publish(ctx, model.EventPollCreated, p, p.CreatorID, nil)
	return p, nil
}

// SubmitVote 记录投票，同一投票人的新选择覆盖旧选择
func (s *PollService) SubmitVote(ctx context.Context, pollID int64, voterID, displayName string, selection []string) (*model.Poll, error) {
	if voterID == "" {
		return nil, ErrMissingVoter
	}
	if len(selection) == 0 {
		return nil, ErrInvalidSelection
	}
	if s.isClosing(pollID) {
		return nil, ErrPollClosed
	}
	if displayName == "" {
		displayName = voterID
	}

	// 并发投票由 UpdatePollVotes 的行锁串行化，不再争抢缓存互斥锁
	updated, err := s.polls.UpdatePollVotes(ctx, pollID, func(p *model.Poll) error {
		if p.Deleted {
			return ErrPollClosed
		}
		record, err := buildVoteRecord(p, voterID, displayName, selection)
		if err != nil {
			return err
		}
		p.Votes = poll.ReplaceVote(p.Votes, record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.renderLive(ctx, updated)
	s.publish(ctx, model.EventPollVoted, updated, voterID, nil)
	return updated, nil
}

func buildVoteRecord(p *model.Poll, voterID, displayName string, selection []string) (model.VoteRecord, error) {
	keys := make([]string, 0, len(selection))
	for _, key := range selection {
		idx, ok := poll.OptionIndex(key, len(p.Options))
		if !ok {
			return model.VoteRecord{}, fmt.Errorf("%w: %q", ErrInvalidSelection, key)
		}
		keys = append(keys, strconv.Itoa(idx))
	}

	record := model.VoteRecord{VoterID: voterID, DisplayName: displayName}
	if p.IsMultiple() {
		record.Values = keys
		return record, nil
	}
	if len(keys) != 1 {
		return model.VoteRecord{}, fmt.Errorf("%w: 单选只能选择一个选项", ErrInvalidSelection)
	}
	record.Value = keys[0]
	return record, nil
}

// renderLive 重新渲染投票消息。投票已因频道活跃而过时时按策略跳过
func (s *PollService) renderLive(ctx context.Context, p *model.Poll) {
	if s.tracker != nil && s.cfg.SoftExpiryPolicy != SoftExpiryFinalize && s.tracker.IsExpired(p.MessageID) {
		logger.Debug("投票已软过期，跳过重新渲染", zap.Int64("pollId", p.ID))
		return
	}
	content := poll.LiveContent(p, s.cfg.RenderBudget, s.now())
	if err := s.messenger.Update(ctx, p.ChannelID, p.MessageID, content); err != nil {
		logger.Warn("更新投票消息失败", zap.Int64("pollId", p.ID), zap.Error(err))
	}
}

// Cancel 仅创建者可取消，取消后不发布结果
func (s *PollService) Cancel(ctx context.Context, pollID int64, requesterID string) error {
	p, err := s.polls.FindPollByID(ctx, pollID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if p.Deleted {
		return nil
	}
	if requesterID != p.CreatorID {
		s.denyPrivately(ctx, requesterID, fmt.Sprintf("[Poll] - %s\n❌You have no permission to cancel this poll!", p.Title))
		return ErrPermissionDenied
	}

	token, err := s.acquirePollMutex(ctx, pollID, s.cfg.FinalizeMutexTTL, s.cfg.LockRetries)
	if err != nil && !errors.Is(err, repository.ErrCacheUnavailable) {
		return err
	}
	defer s.releasePollMutex(pollID, token)

	changed, err := s.polls.MarkPollDeleted(ctx, pollID, model.StateCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := s.messenger.Update(ctx, p.ChannelID, p.MessageID, model.PlainText(poll.CancelledText)); err != nil {
		logger.Warn("更新取消消息失败", zap.Int64("pollId", pollID), zap.Error(err))
	}
	s.stopTracking(p)
	logger.Info("投票已取消", zap.Int64("pollId", pollID), zap.String("by", requesterID))
	s.publish(ctx, model.EventPollCancelled, p, requesterID, nil)
	return nil
}

// Finalize 结束投票并发布结果，可被定时扫描、活跃度与 Finish 按钮并发触发。
// 返回本次调用是否真正完成了结束；互斥锁被占用或投票已结束时返回 false。
func (s *PollService) Finalize(ctx context.Context, pollID int64) (bool, error) {
	token, err := s.locks.AcquireMutex(ctx, pollMutexKey(pollID), s.cfg.FinalizeMutexTTL)
	if err != nil {
		if errors.Is(err, repository.ErrCacheUnavailable) {
			return s.finalizeClaimFirst(ctx, pollID)
		}
		return false, err
	}
	if token == "" {
		logger.Debug("结束投票的互斥锁已被占用，放弃本次触发", zap.Int64("pollId", pollID))
		return false, nil
	}
	defer s.releasePollMutex(pollID, token)

	p, err := s.polls.FindPollByID(ctx, pollID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if p.Deleted {
		return false, nil
	}

	result := poll.Result(p)
	if _, err := s.messenger.Send(ctx, p.ChannelID, poll.ResultContent(result, s.creatorName(ctx, p), s.now())); err != nil {
		return false, fmt.Errorf("发布投票结果失败: %w", err)
	}

	changed, err := s.polls.MarkPollDeleted(ctx, pollID, model.StateFinalized)
	if err != nil {
		return false, err
	}
	if !changed {
		logger.Warn("投票已被其他触发方结束", zap.Int64("pollId", pollID))
		return false, nil
	}

	s.afterFinalize(ctx, p, result)
	return true, nil
}

// finalizeClaimFirst 缓存不可用时先以数据库条件更新抢占状态，再发布结果，保证结果至多发布一次
func (s *PollService) finalizeClaimFirst(ctx context.Context, pollID int64) (bool, error) {
	logger.Warn("结束投票的互斥锁不可用，改为先标记删除", zap.Int64("pollId", pollID))

	p, err := s.polls.FindPollByID(ctx, pollID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if p.Deleted {
		return false, nil
	}

	changed, err := s.polls.MarkPollDeleted(ctx, pollID, model.StateFinalized)
	if err != nil || !changed {
		return false, err
	}

	result := poll.Result(p)
	if _, err := s.messenger.Send(ctx, p.ChannelID, poll.ResultContent(result, s.creatorName(ctx, p), s.now())); err != nil {
		logger.Error("发布投票结果失败", zap.Int64("pollId", pollID), zap.Error(err))
	}
	s.afterFinalize(ctx, p, result)
	return true, nil
}

func (s *PollService) afterFinalize(ctx context.Context, p *model.Poll, result *model.PollResult) {
	if err := s.messenger.Update(ctx, p.ChannelID, p.MessageID, model.PlainText(poll.FinishedText)); err != nil {
		logger.Warn("更新投票消息失败", zap.Int64("pollId", p.ID), zap.Error(err))
	}
	s.stopTracking(p)
	s.closing.Delete(p.ID)

	logger.Info("投票已结束", zap.Int64("pollId", p.ID), zap.Int("votes", len(p.Votes)))
	s.publish(ctx, model.EventPollFinalized, p, "", result)
}

// FinalizeByMessage 按投票消息结束，用于软过期触发
func (s *PollService) FinalizeByMessage(ctx context.Context, messageID, channelID string) (bool, error) {
	p, err := s.polls.FindOpenPollByMessage(ctx, messageID, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Finalize(ctx, p.ID)
}

// Finish 创建者手动结束：先拒绝新投票，等待宽限时间让进行中的投票落库，再结束
func (s *PollService) Finish(ctx context.Context, pollID int64, requesterID string) error {
	p, err := s.polls.FindPollByID(ctx, pollID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if p.Deleted {
		return nil
	}
	if requesterID != p.CreatorID {
		s.denyPrivately(ctx, requesterID, fmt.Sprintf("[Poll] - %s\n❌You have no permission to finish this poll!", p.Title))
		return ErrPermissionDenied
	}

	s.closing.Store(pollID, struct{}{})
	if err := wait(ctx, s.cfg.FinishGrace); err != nil {
		s.closing.Delete(pollID)
		return err
	}

	for attempt := 0; ; attempt++ {
		done, err := s.Finalize(ctx, pollID)
		if err != nil {
			s.closing.Delete(pollID)
			return err
		}
		if done {
			return nil
		}

		current, err := s.polls.FindPollByID(ctx, pollID)
		if err == nil && current.Deleted {
			s.closing.Delete(pollID)
			return nil
		}
		if attempt >= s.cfg.LockRetries {
			s.closing.Delete(pollID)
			return ErrPollBusy
		}
		if err := wait(ctx, s.cfg.LockRetryDelay); err != nil {
			s.closing.Delete(pollID)
			return err
		}
	}
}

// Poll 按ID读取投票
func (s *PollService) Poll(ctx context.Context, pollID int64) (*model.Poll, error) {
	return s.polls.FindPollByID(ctx, pollID)
}

// Results 聚合当前投票结果，不改变状态
func (s *PollService) Results(ctx context.Context, pollID int64) (*model.PollResult, error) {
	p, err := s.polls.FindPollByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return poll.Result(p), nil
}

func (s *PollService) isClosing(pollID int64) bool {
	_, ok := s.closing.Load(pollID)
	return ok
}

// acquirePollMutex 按投票ID获取互斥锁，最多重试 retries 次
func (s *PollService) acquirePollMutex(ctx context.Context, pollID int64, ttl time.Duration, retries int) (string, error) {
	key := pollMutexKey(pollID)
	for attempt := 0; ; attempt++ {
		token, err := s.locks.AcquireMutex(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		if attempt >= retries {
			return "", ErrPollBusy
		}
		if err := wait(ctx, s.cfg.LockRetryDelay); err != nil {
			return "", err
		}
	}
}

func (s *PollService) releasePollMutex(pollID int64, token string) {
	if token == "" {
		return
	}
	// 调用方的 ctx 可能已取消，释放锁使用独立的短超时
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	released, err := s.locks.ReleaseMutex(ctx, pollMutexKey(pollID), token)
	if err != nil {
		logger.Warn("释放投票互斥锁失败", zap.Int64("pollId", pollID), zap.Error(err))
		return
	}
	if !released {
		logger.Debug("投票互斥锁已过期", zap.Int64("pollId", pollID))
	}
}

func (s *PollService) creatorName(ctx context.Context, p *model.Poll) string {
	if p.CreatorName != "" || s.users == nil {
		return p.CreatorName
	}
	u, err := s.users.FindUserByID(ctx, p.CreatorID)
	if err != nil {
		return ""
	}
	return u.DisplayName()
}

func (s *PollService) stopTracking(p *model.Poll) {
	if s.tracker != nil {
		s.tracker.StopTracking(p.MessageID)
	}
}

func (s *PollService) denyPrivately(ctx context.Context, userID, text string) {
	if err := s.messenger.SendDirect(ctx, userID, model.PlainText(text)); err != nil {
		logger.Warn("发送私信失败", zap.String("userId", userID), zap.Error(err))
	}
}

func (s *PollService) publish(ctx context.Context, typ model.PollEventType, p *model.Poll, actorID string, result *model.PollResult) {
	if s.events == nil {
		return
	}
	event := &model.PollEvent{
		Type:       typ,
		PollID:     p.ID,
		ChannelID:  p.ChannelID,
		MessageID:  p.MessageID,
		ActorID:    actorID,
		Result:     result,
		OccurredAt: s.now(),
	}
	if err := s.events.PublishPollEvent(ctx, event); err != nil {
		logger.Warn("发送投票事件失败", zap.String("type", string(typ)), zap.Int64("pollId", p.ID), zap.Error(err))
	}
}

// onSoftExpired 软过期策略为 finalize 时由活跃度跟踪器回调
func (s *PollService) onSoftExpired(state tracker.ActivityState) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := s.FinalizeByMessage(ctx, state.PollMessageID, state.ChannelID); err != nil {
			logger.Error("软过期结束投票失败", zap.String("messageId", state.PollMessageID), zap.Error(err))
		}
	}()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
