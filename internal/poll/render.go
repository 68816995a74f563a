package poll

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/lvdashuaibi/pollbot/internal/model"
)

const (
	// OptionValuePrefix 选项组件的 value 前缀，回调中为 poll_<index>
	OptionValuePrefix = "poll_"
	// SelectInputID 投票选项组件 ID，回调 extra_data 中以此为键
	SelectInputID = "POLL"

	DefaultRenderBudget = 6500
	minRenderBudget     = 1000

	embedFooter = "Powered by pollbot"
	noVoter     = "(no one choose)"
	votedPrefix = "- Voted: "

	FinishedText         = "This poll has finished!"
	CancelledText        = "Cancel poll successful!"
	DialogCancelledText  = "Cancel create poll successful!"
	TooManyOptionsText   = "There are too many options, limit is 10!"
	ExpiryTooShortText   = "Expired Time is not valid, min 0.5 hour!"
	ExpiryTooLongText    = "Expired Time is too long, please check again!"
	InvalidExpiryText    = "Expired Time is not valid, please enter the number of hours!"
	MissingTitleText     = "Missing title for this poll. Please add it!"
	TooFewOptionsText    = "Not enough valid options. At least 2 options are required. Please check again!"
	PollClosingText      = "This poll is closing, your vote was not recorded."
	defaultDurationLabel = "7 days"
)

var icons = [model.MaxOptions]string{"1️⃣ ", "2️⃣ ", "3️⃣ ", "4️⃣ ", "5️⃣ ", "6️⃣ ", "7️⃣ ", "8️⃣ ", "9️⃣ ", "🔟 "}

var palette = []string{
	"#1ABC9C", "#11806A", "#57F287", "#1F8B4C", "#3498DB", "#206694",
	"#9B59B6", "#71368A", "#E91E63", "#AD1457", "#F1C40F", "#C27C0E",
	"#E67E22", "#A84300", "#ED4245", "#992D22", "#95A5A6", "#979C9F",
}

// RandomColor 随机取一个卡片颜色
func RandomColor() string {
	return palette[rand.Intn(len(palette))]
}

// Icon 选项序号图标
func Icon(i int) string {
	if i < 0 || i >= len(icons) {
		return ""
	}
	return icons[i]
}

// PerOptionBudget 每个选项可用的字符数
func PerOptionBudget(budget, optionCount int) int {
	if budget < minRenderBudget {
		budget = minRenderBudget
	}
	n := optionCount
	if n < model.MinOptions {
		n = model.MinOptions
	}
	if n > model.MaxOptions {
		n = model.MaxOptions
	}
	return budget / n
}

// FormatVoters 在字符预算内拼接投票人，放不下的以 "... (+N more people)" 标注
func FormatVoters(names []string, maxChars int) string {
	if len(names) == 0 {
		return noVoter
	}
	if maxChars <= 0 {
		return "..."
	}

	var b strings.Builder
	shown := 0
	for _, name := range names {
		piece := name
		if shown > 0 {
			piece = ", " + name
		}
		if b.Len()+len(piece) > maxChars {
			break
		}
		b.WriteString(piece)
		shown++
	}

	if hidden := len(names) - shown; hidden > 0 {
		if shown == 0 {
			return fmt.Sprintf("... (+%d more people)", hidden)
		}
		return fmt.Sprintf("%s ... (+%d more people)", b.String(), hidden)
	}
	return b.String()
}

// DurationLabel 描述中显示的时长，默认 168 小时显示为 7 天
func DurationLabel(hours float64) string {
	if hours <= 0 || hours == 168 {
		return defaultDurationLabel
	}
	return strconv.FormatFloat(hours, 'f', -1, 64) + " hours"
}

// OptionComponents 投票选项组件，描述中包含截断后的投票人列表
func OptionComponents(p *model.Poll, results []model.OptionResult, budget int) []model.SelectOption {
	perOption := PerOptionBudget(budget, len(p.Options))
	components := make([]model.SelectOption, 0, len(p.Options))

	for i, label := range p.Options {
		var voters, ids []string
		if i < len(results) {
			voters, ids = results[i].Voters, results[i].IDs
		}

		count := ""
		description := "- " + noVoter
		if len(voters) > 0 {
			count = fmt.Sprintf(" (%d)", len(voters))
			description = votedPrefix + FormatVoters(voters, perOption-len(votedPrefix))
		}

		opt := model.SelectOption{
			Label:       Icon(i) + strings.TrimSpace(label) + count,
			Value:       OptionValuePrefix + strconv.Itoa(i),
			Description: description,
			ExtraData:   ids,
		}
		if p.IsMultiple() {
			opt.Name = opt.Value
		}
		components = append(components, opt)
	}
	return components
}

// LiveContent 进行中投票的消息内容
func LiveContent(p *model.Poll, budget int, now time.Time) model.MessageContent {
	components := OptionComponents(p, Aggregate(p.Options, p.Mode, p.Votes), budget)

	input := &model.FieldInput{
		ID:      SelectInputID,
		Kind:    model.InputRadio,
		Options: components,
	}
	if p.IsMultiple() {
		input.MaxOptions = len(components)
	}

	embed := model.Embed{
		Color: p.Color,
		Title: "[Poll] - " + p.Title,
		Description: fmt.Sprintf("Select option you want to vote.\nThe voting will end in %s .\n"+
			"Poll creator can end the poll forcefully by clicking the Finish button.", DurationLabel(p.DurationHours())),
		Fields: []model.EmbedField{
			{Input: input},
			{Name: "\nPoll created by " + p.CreatorName},
		},
		Timestamp: now,
		Footer:    embedFooter,
	}

	return model.MessageContent{
		Embeds:  []model.Embed{embed},
		Buttons: LiveButtons(LiveTokenFor(p, "")),
	}
}

// LiveButtons 进行中投票的 Cancel / Vote / Finish 按钮
func LiveButtons(base LiveToken) []model.Button {
	withAction := func(a Action) string {
		t := base
		t.Action = a
		return t.Encode()
	}
	return []model.Button{
		{ID: withAction(ActionCancel), Label: "Cancel", Style: model.ButtonSecondary},
		{ID: withAction(ActionVote), Label: "Vote", Style: model.ButtonSuccess},
		{ID: withAction(ActionFinish), Label: "Finish", Style: model.ButtonDanger},
	}
}

// ResultContent 最终结果消息，展示完整投票人列表
func ResultContent(result *model.PollResult, creatorName string, now time.Time) model.MessageContent {
	fields := make([]model.EmbedField, 0, len(result.Options)+1)
	for _, opt := range result.Options {
		value := "- " + noVoter
		if len(opt.Voters) > 0 {
			value = votedPrefix + strings.Join(opt.Voters, ", ")
		}
		fields = append(fields, model.EmbedField{
			Name:  fmt.Sprintf("%s%s (%d)", Icon(opt.Index), strings.TrimSpace(opt.Label), len(opt.Voters)),
			Value: value,
		})
	}
	if creatorName != "" {
		fields = append(fields, model.EmbedField{Name: "\nPoll created by " + creatorName})
	}

	return model.MessageContent{
		Embeds: []model.Embed{{
			Color:       RandomColor(),
			Title:       "[Poll result] - " + result.Title,
			Description: "Ding! Ding! Ding!\nTime's up! Results are\n",
			Fields:      fields,
			Timestamp:   now,
			Footer:      embedFooter,
		}},
	}
}

// DialogForm 创建对话框的初始/当前状态
type DialogForm struct {
	Title       string
	OptionCount int
	Options     []string
	Mode        model.ChoiceMode
	ExpiryHours float64
}

// DialogContent 创建对话框消息，title 为 "POLL CREATOR" 或 "POLL CREATION"
func DialogContent(heading string, form DialogForm, token DialogToken, now time.Time) model.MessageContent {
	fields := []model.EmbedField{{
		Name: "Title",
		Input: &model.FieldInput{
			ID:           "title",
			Kind:         model.InputText,
			Placeholder:  "Input title here",
			DefaultValue: form.Title,
		},
	}}

	for i := 0; i < form.OptionCount; i++ {
		var def string
		if i < len(form.Options) {
			def = form.Options[i]
		}
		id := "option_" + strconv.Itoa(i+1)
		fields = append(fields, model.EmbedField{
			Name: "Option " + Icon(i),
			Input: &model.FieldInput{
				ID:           id,
				Kind:         model.InputText,
				Placeholder:  fmt.Sprintf("Input option %d here", i+1),
				DefaultValue: def,
			},
		})
	}

	mode := form.Mode
	if !mode.Valid() {
		mode = model.ChoiceSingle
	}
	fields = append(fields,
		model.EmbedField{
			Name: "Type",
			Input: &model.FieldInput{
				ID:   "type",
				Kind: model.InputSelect,
				Options: []model.SelectOption{
					{Label: "Single choice", Value: string(model.ChoiceSingle)},
					{Label: "Multiple choice", Value: string(model.ChoiceMultiple)},
				},
				Selected: string(mode),
			},
		},
		model.EmbedField{
			Name: "Expired Time (hour) - Default: 168 hours (7 days)",
			Input: &model.FieldInput{
				ID:           "expired",
				Kind:         model.InputText,
				Placeholder:  "Input expired time here",
				DefaultValue: strconv.FormatFloat(form.ExpiryHours, 'f', -1, 64),
			},
		},
	)

	withAction := func(a Action) string {
		t := token
		t.Action = a
		t.OptionCount = form.OptionCount
		return t.Encode()
	}

	return model.MessageContent{
		Embeds: []model.Embed{{
			Color:     token.Color,
			Title:     heading,
			Fields:    fields,
			Timestamp: now,
			Footer:    embedFooter,
		}},
		Buttons: []model.Button{
			{ID: withAction(ActionCancel), Label: "Cancel", Style: model.ButtonSecondary},
			{ID: withAction(ActionAdd), Label: "Add Option", Style: model.ButtonPrimary},
			{ID: withAction(ActionCreate), Label: "Create", Style: model.ButtonSuccess},
		},
	}
}
