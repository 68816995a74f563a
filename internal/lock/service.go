package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/pollbot/internal/repository"
)

// 键空间前缀，不同功能之间互不重叠
const (
	LockPrefix  = "lock:"
	MutexPrefix = "mutex:"
	CountPrefix = "count:"
	WarnPrefix  = "warn:"
)

// Service 构建在 CacheStore 之上的锁原语。
// 所有锁均为建议性的、依赖 TTL 自愈，只用于抑制重复执行，不提供线性一致的互斥保证。
type Service struct {
	store repository.CacheStore
}

func NewService(store repository.CacheStore) *Service {
	return &Service{store: store}
}

// Store 底层缓存
func (s *Service) Store() repository.CacheStore {
	return s.store
}

// AcquireLock 无主锁，键不存在时获取
func (s *Service) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.store.SetIfAbsent(ctx, LockPrefix+key, "1", ttl)
}

// ReleaseLock 无条件删除
func (s *Service) ReleaseLock(ctx context.Context, key string) error {
	return s.store.Delete(ctx, LockPrefix+key)
}

// AcquireMutex 带令牌的互斥锁，获取失败返回空令牌
func (s *Service) AcquireMutex(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.store.SetIfAbsent(ctx, MutexPrefix+key, token, ttl)
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseMutex 仅当令牌匹配时释放。已过期或被他人持有时返回 false，这不是错误
func (s *Service) ReleaseMutex(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return s.store.CompareAndDelete(ctx, MutexPrefix+key, token)
}

// RefreshMutex 持有者续期
func (s *Service) RefreshMutex(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	return s.store.CompareAndExpire(ctx, MutexPrefix+key, token, ttl)
}

// AcquireCooldown 语义同 AcquireLock，用于限制用户操作频率
func (s *Service) AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.store.SetIfAbsent(ctx, LockPrefix+key, "1", ttl)
}

// IncrementRateCounter 固定窗口计数，窗口内后续自增不会重置 TTL
func (s *Service) IncrementRateCounter(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return s.store.Increment(ctx, CountPrefix+key, window)
}

// CurrentCount 读取计数与剩余时间，不自增
func (s *Service) CurrentCount(ctx context.Context, key string) (int64, time.Duration, error) {
	raw, found, err := s.store.Get(ctx, CountPrefix+key)
	if err != nil || !found {
		return 0, -2, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, -2, err
	}
	ttl, err := s.store.TTL(ctx, CountPrefix+key)
	if err != nil {
		return count, -2, err
	}
	return count, ttl, nil
}

// TryWarnOnce 每个 TTL 窗口最多触发一次提醒
func (s *Service) TryWarnOnce(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := s.store.SetIfAbsent(ctx, WarnPrefix+key, "1", ttl)
	return err == nil && ok
}
