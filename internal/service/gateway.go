package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/poll"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/lvdashuaibi/pollbot/internal/tracker"
	"go.uber.org/zap"
)

// PollCommand 打开创建对话框的命令
const PollCommand = "*poll"

// HandleGatewayEvent 网关事件入口，供 Kafka 消费者调用。
// 已反馈给用户的错误与良性竞争不再向上返回。
func (s *PollService) HandleGatewayEvent(ctx context.Context, event *model.GatewayEvent) error {
	var err error
	switch event.Type {
	case model.GatewayChannelMessage:
		err = s.handleChannelMessage(ctx, event.Message)
	case model.GatewayButtonClicked:
		err = s.handleInteraction(ctx, event.Interaction)
	default:
		return nil
	}

	if err != nil && benign(err) {
		logger.Debug("事件处理结束", zap.String("type", string(event.Type)), zap.Error(err))
		return nil
	}
	return err
}

func (s *PollService) handleChannelMessage(ctx context.Context, msg *model.ChannelMessage) error {
	if msg == nil {
		return nil
	}
	// 编辑消息不计入活跃度
	if s.tracker != nil && msg.Code == 0 {
		s.tracker.OnChannelActivity(msg.ClanID, msg.ChannelID, msg.MessageID, tracker.MessageDescriptor{
			Text:           msg.Text,
			HasEmbed:       msg.HasEmbed,
			AttachmentsLen: msg.AttachmentsLen,
		})
	}

	if msg.Code == 0 && strings.TrimSpace(msg.Text) == PollCommand {
		return s.OpenCreator(ctx, msg)
	}
	return nil
}

func (s *PollService) handleInteraction(ctx context.Context, in *model.Interaction) error {
	if in == nil {
		return nil
	}
	switch poll.KindOf(in.ButtonID) {
	case poll.TokenLive:
		return s.HandlePollInteraction(ctx, in)
	case poll.TokenDialog:
		return s.HandleCreateDialog(ctx, in)
	}
	return nil
}

// OpenCreator 回复命令消息，展示带两个选项的创建对话框
func (s *PollService) OpenCreator(ctx context.Context, msg *model.ChannelMessage) error {
	author := msg.ClanNick
	if author == "" {
		author = msg.Username
	}
	token := poll.DialogToken{
		Color:      poll.RandomColor(),
		ClanID:     msg.ClanID,
		AuthorID:   msg.SenderID,
		AuthorName: author,
	}
	form := poll.DialogForm{
		OptionCount: model.MinOptions,
		Mode:        model.ChoiceSingle,
		ExpiryHours: s.cfg.DefaultExpiryHours,
	}

	if _, err := s.messenger.Reply(ctx, msg.ChannelID, msg.MessageID, poll.DialogContent("POLL CREATOR", form, token, s.now())); err != nil {
		return fmt.Errorf("发送创建对话框失败: %w", err)
	}
	return nil
}

// HandleCreateDialog 处理创建对话框的 Cancel / Add Option / Create 按钮
func (s *PollService) HandleCreateDialog(ctx context.Context, in *model.Interaction) error {
	token, err := poll.ParseDialogToken(in.ButtonID)
	if err != nil {
		logger.Warn("创建对话框令牌无效", zap.String("buttonId", in.ButtonID), zap.Error(err))
		return err
	}

	if in.UserID != token.AuthorID {
		s.denyPrivately(ctx, in.UserID, fmt.Sprintf("❌You have no permission to edit this poll created by %s!", token.AuthorName))
		return ErrPermissionDenied
	}

	// 取消不依赖表单内容，表单无效时也能关闭对话框
	if token.Action == poll.ActionCancel {
		return s.messenger.Update(ctx, in.ChannelID, in.MessageID, model.PlainText(poll.DialogCancelledText))
	}

	form, err := poll.ParseDialogForm(in.ExtraData, token.OptionCount, s.cfg.DefaultExpiryHours)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrValidation, err)
		s.replyInline(ctx, in, validationText(err))
		return err
	}

	switch token.Action {
	case poll.ActionAdd:
		if form.OptionCount >= model.MaxOptions {
			s.replyInline(ctx, in, poll.TooManyOptionsText)
			return ErrTooManyOptions
		}
		form.OptionCount++
		form.Options = append(form.Options, "")
		return s.messenger.Update(ctx, in.ChannelID, in.MessageID, poll.DialogContent("POLL CREATION", form, token, s.now()))

	case poll.ActionCreate:
		_, err := s.Create(ctx, CreateRequest{
			MessageID:       in.MessageID,
			ChannelID:       in.ChannelID,
			ClanID:          token.ClanID,
			CreatorID:       token.AuthorID,
			CreatorName:     token.AuthorName,
			Title:           form.Title,
			Options:         form.NonEmptyOptions(),
			Mode:            form.Mode,
			ExpiryHours:     form.ExpiryHours,
			IsChannelPublic: in.IsPublic,
			ModeMessage:     in.Mode,
		})
		if errors.Is(err, ErrValidation) {
			s.replyInline(ctx, in, validationText(err))
		}
		return err
	}
	return nil
}

// HandlePollInteraction 处理进行中投票的 Cancel / Vote / Finish 按钮
func (s *PollService) HandlePollInteraction(ctx context.Context, in *model.Interaction) error {
	token, err := poll.ParseLiveToken(in.ButtonID)
	if err != nil {
		logger.Warn("投票令牌无效", zap.String("buttonId", in.ButtonID), zap.Error(err))
		return err
	}

	p, err := s.polls.FindOpenPollByMessage(ctx, in.MessageID, in.ChannelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	// 权限以持久化的创建者为准，令牌中的创建者必须一致
	if token.CreatorID != p.CreatorID {
		return fmt.Errorf("%w: 创建者不匹配", poll.ErrInvalidToken)
	}

	switch token.Action {
	case poll.ActionCancel:
		return s.Cancel(ctx, p.ID, in.UserID)

	case poll.ActionVote:
		selection, err := poll.ParseSelection(in.ExtraData, len(p.Options))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		if len(selection) == 0 {
			return nil
		}
		_, err = s.SubmitVote(ctx, p.ID, in.UserID, s.voterName(ctx, in), selection)
		if errors.Is(err, ErrPollClosed) || errors.Is(err, ErrPollBusy) {
			s.denyPrivately(ctx, in.UserID, poll.PollClosingText)
		}
		return err

	case poll.ActionFinish:
		return s.Finish(ctx, p.ID, in.UserID)
	}
	return nil
}

// voterName 优先使用用户资料中的显示名
func (s *PollService) voterName(ctx context.Context, in *model.Interaction) string {
	if s.users != nil {
		if u, err := s.users.FindUserByID(ctx, in.UserID); err == nil {
			if name := u.DisplayName(); name != "" {
				return name
			}
		}
	}
	return in.DisplayName()
}

func (s *PollService) replyInline(ctx context.Context, in *model.Interaction, text string) {
	if _, err := s.messenger.Reply(ctx, in.ChannelID, in.MessageID, model.PlainText(text)); err != nil {
		logger.Warn("发送提示消息失败", zap.String("channelId", in.ChannelID), zap.Error(err))
	}
}
