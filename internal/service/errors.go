package service

import (
	"errors"
	"fmt"

	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/poll"
	"github.com/lvdashuaibi/pollbot/internal/repository"
)

var (
	// ErrValidation 用户输入不合法，在频道内提示
	ErrValidation = errors.New("参数校验失败")

	ErrTooFewOptions    = fmt.Errorf("%w: 至少需要%d个选项", ErrValidation, model.MinOptions)
	ErrTooManyOptions   = fmt.Errorf("%w: 最多%d个选项", ErrValidation, model.MaxOptions)
	ErrExpiryTooShort   = fmt.Errorf("%w: 过期时间过短", ErrValidation)
	ErrExpiryTooLong    = fmt.Errorf("%w: 过期时间过长", ErrValidation)
	ErrInvalidExpiry    = fmt.Errorf("%w: 过期时间无效", ErrValidation)
	ErrMissingTitle     = fmt.Errorf("%w: 缺少标题", ErrValidation)
	ErrInvalidSelection = fmt.Errorf("%w: 选项无效", ErrValidation)
	ErrMissingVoter     = fmt.Errorf("%w: 缺少投票人", ErrValidation)
	ErrInvalidMode      = fmt.Errorf("%w: 投票模式无效", ErrValidation)

	// ErrPermissionDenied 非创建者操作，私信提示
	ErrPermissionDenied = errors.New("无权操作该投票")
	// ErrPollClosed 投票已结束或正在结束
	ErrPollClosed = errors.New("投票已结束")
	// ErrPollBusy 多次重试后仍未获取到投票互斥锁
	ErrPollBusy = errors.New("投票正忙，请稍后重试")
)

// validationText 校验错误对应的频道提示
func validationText(err error) string {
	switch {
	case errors.Is(err, ErrTooManyOptions):
		return poll.TooManyOptionsText
	case errors.Is(err, ErrTooFewOptions):
		return poll.TooFewOptionsText
	case errors.Is(err, ErrExpiryTooShort):
		return poll.ExpiryTooShortText
	case errors.Is(err, ErrExpiryTooLong):
		return poll.ExpiryTooLongText
	case errors.Is(err, ErrInvalidExpiry), errors.Is(err, poll.ErrInvalidExpiryHours):
		return poll.InvalidExpiryText
	case errors.Is(err, ErrMissingTitle):
		return poll.MissingTitleText
	default:
		return "Invalid poll input, please check again!"
	}
}

// benign 已向用户反馈或属于良性竞争的错误，不再向上报告
func benign(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrPollClosed) ||
		errors.Is(err, repository.ErrNotFound)
}
