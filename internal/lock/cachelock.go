package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/pollbot/internal/logger"
	"go.uber.org/zap"
)

// CacheLock 基于 Service 互斥锁实现 Lock 接口，未配置 etcd 时作为主节点选举锁
type CacheLock struct {
	svc   *Service
	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

func NewCacheLock(svc *Service) *CacheLock {
	return &CacheLock{
		svc:   svc,
		locks: make(map[string]string),
	}
}

// AcquireLock 获取锁，重复获取自己已持有的锁视为续期
func (c *CacheLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.locks[lockName]; ok {
		held, err := c.svc.RefreshMutex(ctx, lockName, token, ttl)
		if err != nil {
			return false, err
		}
		if held {
			return true, nil
		}
		delete(c.locks, lockName)
	}

	token, err := c.svc.AcquireMutex(ctx, lockName, ttl)
	if err != nil {
		return false, fmt.Errorf("获取锁 %s 失败: %w", lockName, err)
	}
	if token == "" {
		return false, nil
	}

	c.locks[lockName] = token
	logger.Debug("获取锁成功", zap.String("lock", lockName))
	return true, nil
}

// RefreshLock 刷新锁的过期时间，只刷新自己持有的锁
func (c *CacheLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, ok := c.locks[lockName]
	if !ok {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	held, err := c.svc.RefreshMutex(ctx, lockName, token, ttl)
	if err != nil {
		return false, err
	}
	if !held {
		delete(c.locks, lockName)
	}
	return held, nil
}

// ReleaseLock 释放锁，只释放自己持有的锁
func (c *CacheLock) ReleaseLock(ctx context.Context, lockName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, ok := c.locks[lockName]
	if !ok {
		return nil
	}
	delete(c.locks, lockName)

	if _, err := c.svc.ReleaseMutex(ctx, lockName, token); err != nil {
		return fmt.Errorf("释放锁 %s 失败: %w", lockName, err)
	}
	return nil
}

// ReleaseAllLocks 释放所有持有的锁
func (c *CacheLock) ReleaseAllLocks(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, token := range c.locks {
		if _, err := c.svc.ReleaseMutex(ctx, name, token); err != nil {
			logger.Warn("释放锁失败", zap.String("lock", name), zap.Error(err))
		}
	}
	c.locks = make(map[string]string)
}

// Close 释放所有锁，底层缓存由调用方关闭
func (c *CacheLock) Close() error {
	c.ReleaseAllLocks(context.Background())
	return nil
}
