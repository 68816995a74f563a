package economy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"go.uber.org/zap"
)

const UserCachePrefix = "user:slots:"

// UserCacheService 用户经济数据的读穿/写穿缓存，MySQL 为权威数据源。
// 缓存不可用时退化为直接读写数据库。
type UserCacheService struct {
	store repository.CacheStore
	users repository.UserRepository
	cfg   config.EconomyConfig
	now   func() time.Time
}

func NewUserCacheService(store repository.CacheStore, users repository.UserRepository, cfg config.EconomyConfig) *UserCacheService {
	if cfg.UserTTL <= 0 {
		cfg.UserTTL = config.DefaultEconomyConfig().UserTTL
	}
	return &UserCacheService{
		store: store,
		users: users,
		cfg:   cfg,
		now:   time.Now,
	}
}

func userKey(userID string) string {
	return UserCachePrefix + userID
}

// GetUserFromCache 先读缓存，未命中时从数据库加载并回填
func (s *UserCacheService) GetUserFromCache(ctx context.Context, userID string) (*model.UserCache, error) {
	raw, found, err := s.store.Get(ctx, userKey(userID))
	if err != nil {
		logger.Warn("读取用户缓存失败，回退数据库", zap.String("userId", userID), zap.Error(err))
	}
	if found {
		var user model.UserCache
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			return &user, nil
		}
		logger.Warn("用户缓存数据损坏，重新加载", zap.String("userId", userID))
	}

	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setCache(ctx, user)
	return user, nil
}

// GetUsersFromCache 批量读取，缓存缺失的用户一次性从数据库加载并回填。
// 数据库中也不存在的用户不出现在结果中
func (s *UserCacheService) GetUsersFromCache(ctx context.Context, userIDs []string) (map[string]*model.UserCache, error) {
	result := make(map[string]*model.UserCache, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, userKey(id))
	}
	cached, err := s.store.MultiGet(ctx, keys)
	if err != nil {
		logger.Warn("批量读取用户缓存失败，回退数据库", zap.Int("count", len(userIDs)), zap.Error(err))
	}

	var missing []string
	for _, id := range userIDs {
		if _, dup := result[id]; dup {
			continue
		}
		raw, ok := cached[userKey(id)]
		if ok {
			var user model.UserCache
			if err := json.Unmarshal([]byte(raw), &user); err == nil {
				result[id] = &user
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := s.users.FindUsersByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("批量加载用户失败: %w", err)
	}
	fill := make(map[string]string, len(loaded))
	for _, user := range loaded {
		result[user.UserID] = user
		data, err := json.Marshal(user)
		if err != nil {
			continue
		}
		fill[userKey(user.UserID)] = string(data)
	}
	if err := s.store.MultiSet(ctx, fill, s.cfg.UserTTL); err != nil {
		logger.Warn("批量回填用户缓存失败", zap.Int("count", len(fill)), zap.Error(err))
	}
	return result, nil
}

// UpdateUserCache 写穿：先落库再刷新缓存
func (s *UserCacheService) UpdateUserCache(ctx context.Context, user *model.UserCache) error {
	user.LastUpdated = s.now().UnixMilli()
	if err := s.users.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("保存用户失败: %w", err)
	}
	s.setCache(ctx, user)
	return nil
}

// InvalidateUser 删除用户缓存
func (s *UserCacheService) InvalidateUser(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, userKey(userID))
}

// GetUserBanStatus 查询用户对某功能的封禁状态，all 类型的封禁覆盖所有功能，已到期的封禁忽略
func (s *UserCacheService) GetUserBanStatus(ctx context.Context, userID string, funcType model.FuncType) (*model.BanStatus, error) {
	user, err := s.GetUserFromCache(ctx, userID)
	if err != nil {
		return nil, err
	}

	nowSec := s.now().Unix()
	for i := range user.Ban {
		ban := user.Ban[i]
		if ban.Type != funcType && ban.Type != model.FuncAll {
			continue
		}
		if ban.UnBanTime > 0 && ban.UnBanTime <= nowSec {
			continue
		}
		return &model.BanStatus{IsBanned: true, BanInfo: &ban}, nil
	}
	return &model.BanStatus{IsBanned: false}, nil
}

// Unban 按用户名解除封禁，返回实际被解除的用户名。
// all 清空全部封禁；其它类型只移除对应记录，没有该记录的用户不计入结果
func (s *UserCacheService) Unban(ctx context.Context, usernames []string, funcType model.FuncType) ([]string, error) {
	var unbanned []string
	for _, username := range usernames {
		found, err := s.users.FindUserByUsername(ctx, username)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return unbanned, err
		}

		user, err := s.GetUserFromCache(ctx, found.UserID)
		if err != nil {
			return unbanned, err
		}

		if funcType == model.FuncAll {
			user.Ban = nil
		} else {
			kept := user.Ban[:0:0]
			for _, ban := range user.Ban {
				if ban.Type != funcType {
					kept = append(kept, ban)
				}
			}
			if len(kept) == len(user.Ban) {
				continue
			}
			user.Ban = kept
		}

		if err := s.UpdateUserCache(ctx, user); err != nil {
			return unbanned, err
		}
		unbanned = append(unbanned, username)
	}

	logger.Info("解除封禁", zap.Strings("users", unbanned), zap.String("type", string(funcType)))
	return unbanned, nil
}

// CacheStats 统计用户缓存与锁的键数量
func (s *UserCacheService) CacheStats(ctx context.Context) (*model.CacheStats, error) {
	users, err := s.store.CountKeys(ctx, UserCachePrefix+"*")
	if err != nil {
		return nil, err
	}
	locks, err := s.store.CountKeys(ctx, lock.LockPrefix+"*")
	if err != nil {
		return nil, err
	}
	return &model.CacheStats{UserCacheKeys: users, ActiveLocks: locks}, nil
}

func (s *UserCacheService) setCache(ctx context.Context, user *model.UserCache) {
	data, err := json.Marshal(user)
	if err != nil {
		logger.Error("序列化用户缓存失败", zap.String("userId", user.UserID), zap.Error(err))
		return
	}
	if err := s.store.SetWithTTL(ctx, userKey(user.UserID), string(data), s.cfg.UserTTL); err != nil {
		logger.Warn("写入用户缓存失败", zap.String("userId", user.UserID), zap.Error(err))
	}
}
