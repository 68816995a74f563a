package tracker

import (
	"sync"
	"unicode/utf8"
)

const (
	DefaultThreshold = 4

	longMessageChars = 200
	weightPlain      = 1
	weightLong       = 2
	weightRich       = 3
)

// MessageDescriptor 计算权重所需的消息特征
type MessageDescriptor struct {
	Text           string
	HasEmbed       bool
	AttachmentsLen int
}

// Weight 普通消息 1，长文本 2，带卡片或附件 3
func (m MessageDescriptor) Weight() int {
	switch {
	case m.HasEmbed || m.AttachmentsLen > 0:
		return weightRich
	case utf8.RuneCountInString(m.Text) > longMessageChars:
		return weightLong
	default:
		return weightPlain
	}
}

// ActivityState 单个投票消息之后的频道活跃度
type ActivityState struct {
	PollMessageID     string
	ClanID            string
	ChannelID         string
	MessageCountAfter int
	Expired           bool
}

// ActivityTracker 按频道活跃度将投票标记为过时（软过期）。
// 仅在本实例内存中维护，进程重启后丢失。
type ActivityTracker struct {
	mu        sync.Mutex
	threshold int
	byPoll    map[string]*ActivityState
	byChannel map[string]map[string]struct{}
	onExpired func(ActivityState)
}

func NewActivityTracker(threshold int) *ActivityTracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &ActivityTracker{
		threshold: threshold,
		byPoll:    make(map[string]*ActivityState),
		byChannel: make(map[string]map[string]struct{}),
	}
}

// OnExpired 注册软过期回调，每个投票最多触发一次，在锁外调用
func (t *ActivityTracker) OnExpired(fn func(ActivityState)) {
	t.mu.Lock()
	t.onExpired = fn
	t.mu.Unlock()
}

func channelKey(clanID, channelID string) string {
	return clanID + ":" + channelID
}

// StartTracking 重复登记同一消息会重置计数
func (t *ActivityTracker) StartTracking(clanID, channelID, pollMessageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(pollMessageID)
	t.byPoll[pollMessageID] = &ActivityState{
		PollMessageID: pollMessageID,
		ClanID:        clanID,
		ChannelID:     channelID,
	}

	key := channelKey(clanID, channelID)
	set, ok := t.byChannel[key]
	if !ok {
		set = make(map[string]struct{})
		t.byChannel[key] = set
	}
	set[pollMessageID] = struct{}{}
}

// OnChannelActivity 为该频道中除 incomingMessageID 以外、尚未过期的投票累加权重
func (t *ActivityTracker) OnChannelActivity(clanID, channelID, incomingMessageID string, msg MessageDescriptor) {
	var flipped []ActivityState

	t.mu.Lock()
	set := t.byChannel[channelKey(clanID, channelID)]
	weight := msg.Weight()
	for pollMessageID := range set {
		state := t.byPoll[pollMessageID]
		if state == nil || state.Expired || state.PollMessageID == incomingMessageID {
			continue
		}
		state.MessageCountAfter += weight
		if state.MessageCountAfter > t.threshold {
			state.Expired = true
			flipped = append(flipped, *state)
		}
	}
	cb := t.onExpired
	t.mu.Unlock()

	if cb == nil {
		return
	}
	for _, s := range flipped {
		cb(s)
	}
}

// State 返回状态副本
func (t *ActivityTracker) State(pollMessageID string) (ActivityState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.byPoll[pollMessageID]
	if !ok {
		return ActivityState{}, false
	}
	return *state, true
}

// IsExpired 未被跟踪的投票视为未过期
func (t *ActivityTracker) IsExpired(pollMessageID string) bool {
	state, ok := t.State(pollMessageID)
	return ok && state.Expired
}

func (t *ActivityTracker) StopTracking(pollMessageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(pollMessageID)
}

// Len 当前跟踪的投票数与频道数
func (t *ActivityTracker) Len() (polls, channels int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byPoll), len(t.byChannel)
}

func (t *ActivityTracker) removeLocked(pollMessageID string) {
	state, ok := t.byPoll[pollMessageID]
	if !ok {
		return
	}
	delete(t.byPoll, pollMessageID)

	key := channelKey(state.ClanID, state.ChannelID)
	if set, ok := t.byChannel[key]; ok {
		delete(set, pollMessageID)
		if len(set) == 0 {
			delete(t.byChannel, key)
		}
	}
}
