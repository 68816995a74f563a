package poll

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/pollbot/internal/model"
)

// ErrInvalidExtraData 回调附带数据无法解析
var ErrInvalidExtraData = errors.New("回调数据无效")

// ErrInvalidExpiryHours 对话框中的过期时间不是有限数字
var ErrInvalidExpiryHours = fmt.Errorf("%w: 过期时间无效", ErrInvalidExtraData)

// ParseSelection 解析投票回调中的选项。
// 单选形如 {"POLL":"poll_1"}，多选形如 {"POLL":["poll_0","poll_2"]}，返回选项序号字符串。
// 未选择任何选项时返回空切片和 nil。
func ParseSelection(extraData string, optionCount int) ([]string, error) {
	if strings.TrimSpace(extraData) == "" {
		return nil, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extraData), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtraData, err)
	}
	raw, ok := payload[SelectInputID]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var values []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		values = []string{single}
	} else if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: %s 字段类型错误", ErrInvalidExtraData, SelectInputID)
	}

	keys := make([]string, 0, len(values))
	seen := make(map[int]struct{}, len(values))
	for _, v := range values {
		idx, ok := OptionIndex(v, optionCount)
		if !ok {
			return nil, fmt.Errorf("%w: 选项 %q", ErrInvalidExtraData, v)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		keys = append(keys, strconv.Itoa(idx))
	}
	return keys, nil
}

// ParseDialogForm 解析创建对话框提交的字段（title, option_N, type, expired）
func ParseDialogForm(extraData string, optionCount int, defaultExpiry float64) (DialogForm, error) {
	form := DialogForm{
		OptionCount: optionCount,
		Options:     make([]string, optionCount),
		Mode:        model.ChoiceSingle,
		ExpiryHours: defaultExpiry,
	}
	if strings.TrimSpace(extraData) == "" {
		return form, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extraData), &payload); err != nil {
		return form, fmt.Errorf("%w: %v", ErrInvalidExtraData, err)
	}

	form.Title = strings.TrimSpace(rawString(payload["title"]))
	for i := 0; i < optionCount; i++ {
		form.Options[i] = strings.TrimSpace(rawString(payload["option_"+strconv.Itoa(i+1)]))
	}
	if mode := model.ChoiceMode(rawString(payload["type"])); mode.Valid() {
		form.Mode = mode
	}

	if raw, ok := payload["expired"]; ok {
		text := strings.TrimSpace(rawString(raw))
		if text != "" {
			hours, err := strconv.ParseFloat(text, 64)
			if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
				return form, fmt.Errorf("%w: %q", ErrInvalidExpiryHours, text)
			}
			form.ExpiryHours = math.Round(hours*100) / 100
		}
	}
	return form, nil
}

// NonEmptyOptions 过滤空白选项
func (f DialogForm) NonEmptyOptions() []string {
	out := make([]string, 0, len(f.Options))
	for _, o := range f.Options {
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// rawString 字符串或数字统一转为字符串
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
