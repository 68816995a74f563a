package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"go.uber.org/zap"
)

const (
	scriptCompareAndDelete = "compareAndDelete"
	scriptIncrementWindow  = "incrementWindow"
	scriptCompareAndExpire = "compareAndExpire"

	// 仅当值匹配时删除，防止锁被已不再持有它的一方释放
	CompareAndDeleteScript = `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		else
			return 0
		end
	`

	// 仅当值匹配时续期
	CompareAndExpireScript = `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	// 固定窗口计数：首次自增设置过期时间，后续自增不重置
	IncrementWindowScript = `
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
			ttl = tonumber(ARGV[1])
		end
		return {count, ttl}
	`
)

var scriptSources = map[string]string{
	scriptCompareAndDelete: CompareAndDeleteScript,
	scriptIncrementWindow:  IncrementWindowScript,
	scriptCompareAndExpire: CompareAndExpireScript,
}

// RedisRepository 基于 Redis 的 CacheStore 实现
type RedisRepository struct {
	client *redis.Client

	mu           sync.RWMutex
	scriptHashes map[string]string // 脚本名 -> SHA1
}

func NewRedisRepository(ctx context.Context, cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	for name, src := range scriptSources {
		sha1, err := r.client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		r.mu.Lock()
		r.scriptHashes[name] = sha1
		r.mu.Unlock()
	}
	return nil
}

// evalScript 使用 EVALSHA 执行预加载脚本，NOSCRIPT 时重新加载后重试
func (r *RedisRepository) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}

	sha1, err = r.client.ScriptLoad(ctx, scriptSources[name]).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

func (r *RedisRepository) unavailable(op, key string, err error) error {
	logger.Warn("缓存操作失败", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("%s %s: %w: %v", op, key, ErrCacheUnavailable, err)
}

// normalizeTTL 非正的 TTL 按 1 秒处理
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

// Get 读取键
func (r *RedisRepository) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, r.unavailable("GET", key, err)
	}
	return val, true, nil
}

// SetWithTTL 写入键并设置过期时间
func (r *RedisRepository) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		return r.unavailable("SET", key, err)
	}
	return nil
}

// SetIfAbsent SET NX，亚秒级 TTL 由客户端自动使用 PX
func (r *RedisRepository) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, r.unavailable("SETNX", key, err)
	}
	return ok, nil
}

// Increment 固定窗口计数器
func (r *RedisRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	window = normalizeTTL(window)
	result, err := r.evalScript(ctx, scriptIncrementWindow, []string{key}, window.Milliseconds())
	if err != nil {
		return 0, 0, r.unavailable("INCR", key, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return 0, 0, fmt.Errorf("LUA脚本返回格式错误: %v", result)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("LUA脚本返回计数类型错误")
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("LUA脚本返回TTL类型错误")
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// TTL 剩余过期时间，键不存在或无过期时间时为负值（同 PTTL）
func (r *RedisRepository) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, r.unavailable("PTTL", key, err)
	}
	return ttl, nil
}

// MultiGet 批量读取
func (r *RedisRepository) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return result, r.unavailable("MGET", strings.Join(keys, ","), err)
	}

	for i, v := range values {
		if s, ok := v.(string); ok {
			result[keys[i]] = s
		}
	}
	return result, nil
}

// MultiSet 在一个事务管道中批量写入
func (r *RedisRepository) MultiSet(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	ttl = normalizeTTL(ttl)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return r.unavailable("MSET", fmt.Sprintf("%d keys", len(values)), err)
	}
	return nil
}

// CompareAndDelete 原子地比较并删除
func (r *RedisRepository) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	result, err := r.evalScript(ctx, scriptCompareAndDelete, []string{key}, expected)
	if err != nil {
		return false, r.unavailable("CAD", key, err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误")
	}
	return n == 1, nil
}

// CompareAndExpire 原子地比较并续期
func (r *RedisRepository) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	result, err := r.evalScript(ctx, scriptCompareAndExpire, []string{key}, expected, normalizeTTL(ttl).Milliseconds())
	if err != nil {
		return false, r.unavailable("CAE", key, err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误")
	}
	return n == 1, nil
}

// Delete 删除键
func (r *RedisRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return r.unavailable("DEL", strings.Join(keys, ","), err)
	}
	return nil
}

// CountKeys 使用 SCAN 统计键数量，避免 KEYS 阻塞
func (r *RedisRepository) CountKeys(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return total, r.unavailable("SCAN", pattern, err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
