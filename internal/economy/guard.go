package economy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"go.uber.org/zap"
)

// PlayDecision 游戏请求的检查结果
type PlayDecision struct {
	Allowed bool
	// Reason 被拒绝时的提示文本，同一窗口内只提示一次，其余为空
	Reason     string
	RetryAfter time.Duration
	BanInfo    *model.BanInfo
}

// GameGuard 游戏入口检查：封禁、冷却与固定窗口限流
type GameGuard struct {
	locks *lock.Service
	users *UserCacheService
	cfg   config.EconomyConfig
}

func NewGameGuard(locks *lock.Service, users *UserCacheService, cfg config.EconomyConfig) *GameGuard {
	def := config.DefaultEconomyConfig()
	if cfg.GameCooldown <= 0 {
		cfg.GameCooldown = def.GameCooldown
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.WarnTTL <= 0 {
		cfg.WarnTTL = def.WarnTTL
	}
	return &GameGuard{locks: locks, users: users, cfg: cfg}
}

// CheckPlay 依次检查封禁、限流与冷却。缓存不可用时放行
func (g *GameGuard) CheckPlay(ctx context.Context, userID string, game model.FuncType) (*PlayDecision, error) {
	status, err := g.users.GetUserBanStatus(ctx, userID, game)
	if err != nil {
		return nil, err
	}
	if status.IsBanned {
		return &PlayDecision{Reason: banReason(game, status.BanInfo), BanInfo: status.BanInfo}, nil
	}

	scope := string(game) + ":" + userID

	count, ttl, err := g.locks.IncrementRateCounter(ctx, scope, g.cfg.RateWindow)
	if err != nil {
		return g.allowOnCacheError(err, userID, game)
	}
	if count > g.cfg.RateLimit {
		return g.reject(ctx, scope, fmt.Sprintf("Too many requests, please wait %d seconds", int(ttl.Round(time.Second).Seconds())), ttl), nil
	}

	ok, err := g.locks.AcquireCooldown(ctx, scope, g.cfg.GameCooldown)
	if err != nil {
		return g.allowOnCacheError(err, userID, game)
	}
	if !ok {
		return g.reject(ctx, scope, "Please slow down", g.cfg.GameCooldown), nil
	}
	return &PlayDecision{Allowed: true}, nil
}

func (g *GameGuard) reject(ctx context.Context, scope, reason string, retry time.Duration) *PlayDecision {
	d := &PlayDecision{RetryAfter: retry}
	if g.locks.TryWarnOnce(ctx, scope, g.cfg.WarnTTL) {
		d.Reason = reason
	}
	return d
}

func (g *GameGuard) allowOnCacheError(err error, userID string, game model.FuncType) (*PlayDecision, error) {
	if !errors.Is(err, repository.ErrCacheUnavailable) {
		return nil, err
	}
	logger.Warn("缓存不可用，跳过限流检查", zap.String("userId", userID), zap.String("game", string(game)), zap.Error(err))
	return &PlayDecision{Allowed: true}, nil
}

// banReason UnBanTime 为 0 表示永久封禁，不附带解封时间
func banReason(game model.FuncType, ban *model.BanInfo) string {
	if ban == nil || ban.UnBanTime == 0 {
		return fmt.Sprintf("You are banned from %s", game)
	}
	return fmt.Sprintf("You are banned from %s until %s", game, time.Unix(ban.UnBanTime, 0).UTC().Format(time.RFC3339))
}
