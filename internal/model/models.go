package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChoiceMode 投票模式
type ChoiceMode string

const (
	ChoiceSingle   ChoiceMode = "SINGLE"
	ChoiceMultiple ChoiceMode = "MULTIPLE"
)

// Valid 是否为已知模式
func (m ChoiceMode) Valid() bool {
	return m == ChoiceSingle || m == ChoiceMultiple
}

const (
	MinOptions = 2
	MaxOptions = 10
)

// PollState 投票状态机
type PollState string

const (
	StateCreating  PollState = "CREATING"
	StateOpen      PollState = "OPEN"
	StateFinalized PollState = "FINALIZED"
	StateCancelled PollState = "CANCELLED"
)

// Poll 持久化的投票
type Poll struct {
	ID              int64        `json:"id"`
	MessageID       string       `json:"messageId"`
	ChannelID       string       `json:"channelId"`
	ClanID          string       `json:"clanId"`
	CreatorID       string       `json:"creatorId"`
	CreatorName     string       `json:"creatorName"`
	Title           string       `json:"title"`
	Options         []string     `json:"options"`
	Mode            ChoiceMode   `json:"mode"`
	Color           string       `json:"color"`
	IsChannelPublic bool         `json:"isChannelPublic"`
	ModeMessage     int          `json:"modeMessage"`
	CreatedAt       int64        `json:"createdAt"` // epoch ms
	ExpireAt        int64        `json:"expireAt"`  // epoch ms
	Deleted         bool         `json:"deleted"`
	State           PollState    `json:"state"`
	Votes           []VoteRecord `json:"votes"`
}

// IsMultiple 是否多选
func (p *Poll) IsMultiple() bool {
	return p.Mode == ChoiceMultiple
}

// Expired 是否已过截止时间
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpireAt <= now.UnixMilli()
}

// DurationHours 创建时设定的时长（小时，保留两位小数）
func (p *Poll) DurationHours() float64 {
	hours := float64(p.ExpireAt-p.CreatedAt) / float64(time.Hour/time.Millisecond)
	return float64(int64(hours*100+0.5)) / 100
}

// VoteRecord 单个投票人的选择，每个投票人在一个投票中最多一条
type VoteRecord struct {
	VoterID     string   `json:"id"`
	DisplayName string   `json:"username"`
	Value       string   `json:"value,omitempty"`
	Values      []string `json:"values,omitempty"`
}

// Selected 返回该记录选中的选项键
func (v VoteRecord) Selected() []string {
	if len(v.Values) > 0 {
		return v.Values
	}
	if v.Value != "" {
		return []string{v.Value}
	}
	return nil
}

// OptionResult 单个选项的聚合结果
type OptionResult struct {
	Index  int      `json:"index"`
	Label  string   `json:"label"`
	Voters []string `json:"voters"`
	IDs    []string `json:"ids"`
}

// PollResult 聚合后的投票结果
type PollResult struct {
	PollID  int64          `json:"pollId"`
	Title   string         `json:"title"`
	Mode    ChoiceMode     `json:"mode"`
	Options []OptionResult `json:"options"`
}

// PollEventType 生命周期事件类型
type PollEventType string

const (
	EventPollCreated   PollEventType = "poll.created"
	EventPollVoted     PollEventType = "poll.voted"
	EventPollCancelled PollEventType = "poll.cancelled"
	EventPollFinalized PollEventType = "poll.finalized"
)

// PollEvent Kafka 投票生命周期事件
type PollEvent struct {
	Type       PollEventType `json:"type"`
	PollID     int64         `json:"pollId"`
	ChannelID  string        `json:"channelId"`
	MessageID  string        `json:"messageId"`
	ActorID    string        `json:"actorId,omitempty"`
	Result     *PollResult   `json:"result,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// FuncType 可被封禁的功能
type FuncType string

const (
	FuncRut         FuncType = "rut"
	FuncSlots       FuncType = "slots"
	FuncLixi        FuncType = "lixi"
	FuncSicbo       FuncType = "sicbo"
	FuncTransaction FuncType = "transaction"
	FuncAll         FuncType = "all"
)

// ParseFuncType 解析功能类型
func ParseFuncType(s string) (FuncType, bool) {
	switch FuncType(s) {
	case FuncRut, FuncSlots, FuncLixi, FuncSicbo, FuncTransaction, FuncAll:
		return FuncType(s), true
	}
	return "", false
}

// BanInfo 封禁记录
type BanInfo struct {
	Type      FuncType `json:"type"`
	UnBanTime int64    `json:"unBanTime"` // epoch 秒
	Note      string   `json:"note,omitempty"`
}

// UserCache 用户经济数据的缓存镜像，数据库为准
type UserCache struct {
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	AmountUsedSlots decimal.Decimal `json:"amountUsedSlots"`
	Ban             []BanInfo       `json:"ban,omitempty"`
	Username        string          `json:"username,omitempty"`
	ClanNick        string          `json:"clan_nick,omitempty"`
	JackPot         decimal.Decimal `json:"jackPot"`
	JackPot1k       decimal.Decimal `json:"jackPot1k"`
	JackPot3k       decimal.Decimal `json:"jackPot3k"`
	Avatar          string          `json:"avatar,omitempty"`
	LastUpdated     int64           `json:"lastUpdated"` // epoch ms
}

// DisplayName 优先使用群昵称
func (u *UserCache) DisplayName() string {
	if u.ClanNick != "" {
		return u.ClanNick
	}
	return u.Username
}

// BanStatus 某功能的封禁状态
type BanStatus struct {
	IsBanned bool     `json:"isBanned"`
	BanInfo  *BanInfo `json:"banInfo,omitempty"`
}

// CacheStats 缓存统计
type CacheStats struct {
	UserCacheKeys int64 `json:"userCacheKeys"`
	ActiveLocks   int64 `json:"activeLocks"`
}

// GatewayEventType 网关推送事件类型
type GatewayEventType string

const (
	GatewayChannelMessage GatewayEventType = "channel_message"
	GatewayButtonClicked  GatewayEventType = "button_clicked"
)

// ChannelMessage 频道消息（来自网关）
type ChannelMessage struct {
	MessageID      string `json:"message_id"`
	ChannelID      string `json:"channel_id"`
	ClanID         string `json:"clan_id"`
	SenderID       string `json:"sender_id"`
	Username       string `json:"username"`
	ClanNick       string `json:"clan_nick"`
	Text           string `json:"text"`
	HasEmbed       bool   `json:"has_embed"`
	AttachmentsLen int    `json:"attachments"`
	IsPublic       bool   `json:"is_public"`
	Mode           int    `json:"mode"`
	// 非零表示编辑消息
	Code int `json:"code"`
}

// Interaction 按钮/选择回调（来自网关）
type Interaction struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	ClanID    string `json:"clan_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ClanNick  string `json:"clan_nick"`
	ButtonID  string `json:"button_id"`
	ExtraData string `json:"extra_data"`
	IsPublic  bool   `json:"is_public"`
	Mode      int    `json:"mode"`
}

// DisplayName 投票人显示名
func (i *Interaction) DisplayName() string {
	if i.ClanNick != "" {
		return i.ClanNick
	}
	return i.Username
}

// GatewayEvent Kafka 入站事件信封
type GatewayEvent struct {
	Type        GatewayEventType `json:"type"`
	Message     *ChannelMessage  `json:"message,omitempty"`
	Interaction *Interaction     `json:"interaction,omitempty"`
	ReceivedAt  time.Time        `json:"receivedAt"`
}
