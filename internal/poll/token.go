package poll

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lvdashuaibi/pollbot/internal/model"
)

// ErrInvalidToken 交互令牌格式错误
var ErrInvalidToken = errors.New("交互令牌无效")

const (
	tokenSep = "|"

	LiveTokenPrefix   = "poll"
	DialogTokenPrefix = "pollCreate"

	liveTokenFields   = 8
	dialogTokenFields = 7
)

// Action 按钮动作
type Action string

const (
	ActionCancel Action = "CANCEL"
	ActionVote   Action = "VOTE"
	ActionFinish Action = "FINISH"
	ActionAdd    Action = "ADD"
	ActionCreate Action = "CREATE"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// TokenKind 令牌类别，依据首字段区分
type TokenKind int

const (
	TokenUnknown TokenKind = iota
	TokenLive
	TokenDialog
)

// KindOf 判断按钮 ID 属于哪类令牌，不做完整校验
func KindOf(buttonID string) TokenKind {
	head, _, _ := strings.Cut(buttonID, tokenSep)
	switch head {
	case LiveTokenPrefix:
		return TokenLive
	case DialogTokenPrefix:
		return TokenDialog
	}
	return TokenUnknown
}

// LiveToken 进行中投票按钮携带的令牌
// 格式: poll|ACTION|creatorId|clanId|mode|isPublic|color|creatorName
type LiveToken struct {
	Action      Action
	CreatorID   string
	ClanID      string
	Mode        int
	IsPublic    bool
	Color       string
	CreatorName string
}

// LiveTokenFor 由投票生成令牌
func LiveTokenFor(p *model.Poll, action Action) LiveToken {
	return LiveToken{
		Action:      action,
		CreatorID:   p.CreatorID,
		ClanID:      p.ClanID,
		Mode:        p.ModeMessage,
		IsPublic:    p.IsChannelPublic,
		Color:       p.Color,
		CreatorName: p.CreatorName,
	}
}

func (t LiveToken) Encode() string {
	return strings.Join([]string{
		LiveTokenPrefix,
		string(t.Action),
		t.CreatorID,
		t.ClanID,
		strconv.Itoa(t.Mode),
		strconv.FormatBool(t.IsPublic),
		t.Color,
		t.CreatorName,
	}, tokenSep)
}

// ParseLiveToken 严格解析，名称为最后一个字段，可包含分隔符
func ParseLiveToken(s string) (LiveToken, error) {
	parts := strings.SplitN(s, tokenSep, liveTokenFields)
	if len(parts) != liveTokenFields {
		return LiveToken{}, fmt.Errorf("%w: 字段数 %d", ErrInvalidToken, len(parts))
	}
	if parts[0] != LiveTokenPrefix {
		return LiveToken{}, fmt.Errorf("%w: 前缀 %q", ErrInvalidToken, parts[0])
	}

	action := Action(parts[1])
	switch action {
	case ActionCancel, ActionVote, ActionFinish:
	default:
		return LiveToken{}, fmt.Errorf("%w: 未知动作 %q", ErrInvalidToken, parts[1])
	}

	if !isNumericID(parts[2]) {
		return LiveToken{}, fmt.Errorf("%w: 创建者ID %q", ErrInvalidToken, parts[2])
	}
	if parts[3] != "" && !isNumericID(parts[3]) {
		return LiveToken{}, fmt.Errorf("%w: 群组ID %q", ErrInvalidToken, parts[3])
	}

	mode, err := strconv.Atoi(parts[4])
	if err != nil {
		return LiveToken{}, fmt.Errorf("%w: 模式 %q", ErrInvalidToken, parts[4])
	}
	isPublic, err := strconv.ParseBool(parts[5])
	if err != nil {
		return LiveToken{}, fmt.Errorf("%w: 可见性 %q", ErrInvalidToken, parts[5])
	}
	if !colorPattern.MatchString(parts[6]) {
		return LiveToken{}, fmt.Errorf("%w: 颜色 %q", ErrInvalidToken, parts[6])
	}

	return LiveToken{
		Action:      action,
		CreatorID:   parts[2],
		ClanID:      parts[3],
		Mode:        mode,
		IsPublic:    isPublic,
		Color:       parts[6],
		CreatorName: parts[7],
	}, nil
}

// DialogToken 创建对话框按钮携带的令牌
// 格式: pollCreate|ACTION|optionCount|color|clanId|authorId|authorName
type DialogToken struct {
	Action      Action
	OptionCount int
	Color       string
	ClanID      string
	AuthorID    string
	AuthorName  string
}

func (t DialogToken) Encode() string {
	return strings.Join([]string{
		DialogTokenPrefix,
		string(t.Action),
		strconv.Itoa(t.OptionCount),
		t.Color,
		t.ClanID,
		t.AuthorID,
		t.AuthorName,
	}, tokenSep)
}

func ParseDialogToken(s string) (DialogToken, error) {
	parts := strings.SplitN(s, tokenSep, dialogTokenFields)
	if len(parts) != dialogTokenFields {
		return DialogToken{}, fmt.Errorf("%w: 字段数 %d", ErrInvalidToken, len(parts))
	}
	if parts[0] != DialogTokenPrefix {
		return DialogToken{}, fmt.Errorf("%w: 前缀 %q", ErrInvalidToken, parts[0])
	}

	action := Action(parts[1])
	switch action {
	case ActionCancel, ActionAdd, ActionCreate:
	default:
		return DialogToken{}, fmt.Errorf("%w: 未知动作 %q", ErrInvalidToken, parts[1])
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count < model.MinOptions || count > model.MaxOptions {
		return DialogToken{}, fmt.Errorf("%w: 选项数 %q", ErrInvalidToken, parts[2])
	}
	if !colorPattern.MatchString(parts[3]) {
		return DialogToken{}, fmt.Errorf("%w: 颜色 %q", ErrInvalidToken, parts[3])
	}
	if parts[4] != "" && !isNumericID(parts[4]) {
		return DialogToken{}, fmt.Errorf("%w: 群组ID %q", ErrInvalidToken, parts[4])
	}
	if !isNumericID(parts[5]) {
		return DialogToken{}, fmt.Errorf("%w: 作者ID %q", ErrInvalidToken, parts[5])
	}

	return DialogToken{
		Action:      action,
		OptionCount: count,
		Color:       parts[3],
		ClanID:      parts[4],
		AuthorID:    parts[5],
		AuthorName:  parts[6],
	}, nil
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
