package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 记录不存在（通常是已被其他触发方处理的良性竞争）
	ErrNotFound = errors.New("记录不存在")
	// ErrCacheUnavailable 缓存不可达，结果未确认
	ErrCacheUnavailable = errors.New("缓存不可用")
)

// CacheStore 带 TTL 的键值存储。
// 传输失败时返回中性结果（未命中/未获取/未删除）并附带 ErrCacheUnavailable，
// 调用方应视为"未确认"，而不是"确定为假"。
type CacheStore interface {
	// Get 读取键，第二个返回值表示是否命中
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent 原子地仅在键不存在时写入
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Increment 计数器自增，窗口内首次自增时设置过期时间，返回计数与剩余 TTL
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	// MultiGet 批量读取，未命中的键不出现在结果中
	MultiGet(ctx context.Context, keys []string) (map[string]string, error)
	MultiSet(ctx context.Context, values map[string]string, ttl time.Duration) error
	// CompareAndDelete 仅当当前值等于 expected 时删除，读-比较-删除为一个原子步骤
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire 仅当当前值等于 expected 时重设过期时间
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// CountKeys 统计匹配模式的键数量
	CountKeys(ctx context.Context, pattern string) (int64, error)
	Close() error
}
