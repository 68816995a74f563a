package model

import "time"

// ButtonStyle 按钮样式
type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

// InputKind 表单字段中的交互组件类型
type InputKind string

const (
	InputText   InputKind = "INPUT"
	InputSelect InputKind = "SELECT"
	InputRadio  InputKind = "RADIO"
)

// SelectOption 单选/多选组件中的一个选项
type SelectOption struct {
	Name        string   `json:"name,omitempty"`
	Label       string   `json:"label"`
	Value       string   `json:"value"`
	Description string   `json:"description,omitempty"`
	ExtraData   []string `json:"extraData,omitempty"`
}

// FieldInput 字段附带的交互组件
type FieldInput struct {
	ID           string         `json:"id"`
	Kind         InputKind      `json:"type"`
	Placeholder  string         `json:"placeholder,omitempty"`
	DefaultValue string         `json:"defaultValue,omitempty"`
	Options      []SelectOption `json:"options,omitempty"`
	Selected     string         `json:"valueSelected,omitempty"`
	MaxOptions   int            `json:"maxOptions,omitempty"`
}

// EmbedField 富文本字段
type EmbedField struct {
	Name  string      `json:"name"`
	Value string      `json:"value"`
	Input *FieldInput `json:"inputs,omitempty"`
}

// Embed 富文本卡片
type Embed struct {
	Color       string       `json:"color,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Footer      string       `json:"footer,omitempty"`
}

// Button 消息按钮，ID 为回传的交互令牌
type Button struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	Style ButtonStyle `json:"style"`
}

// MessageContent 发送或更新消息的内容
type MessageContent struct {
	Text string `json:"t,omitempty"`
	// 文本是否以代码块样式展示
	Pre     bool     `json:"pre,omitempty"`
	Embeds  []Embed  `json:"embed,omitempty"`
	Buttons []Button `json:"components,omitempty"`
}

// PlainText 以代码块样式展示的纯文本消息
func PlainText(text string) MessageContent {
	return MessageContent{Text: text, Pre: true}
}
