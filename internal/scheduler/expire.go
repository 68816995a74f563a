package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	LeaderLockName = "pollbot:scheduler:leader"

	finalizeTimeout = 30 * time.Second
)

// Finalizer 结束单个投票
type Finalizer interface {
	Finalize(ctx context.Context, pollID int64) (bool, error)
}

// ExpirationScheduler 周期扫描已过截止时间的投票并触发结束。
// 多实例部署时只有持有主节点锁的实例执行扫描。
type ExpirationScheduler struct {
	polls     repository.PollRepository
	finalizer Finalizer
	leader    lock.Lock
	interval  time.Duration
	sem       *semaphore.Weighted

	isLeader atomic.Bool
	inflight sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewExpirationScheduler leader 为 nil 时视为单实例，始终执行扫描
func NewExpirationScheduler(
	polls repository.PollRepository,
	finalizer Finalizer,
	leader lock.Lock,
	cfg config.PollConfig,
) *ExpirationScheduler {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	maxConcurrent := cfg.MaxConcurrentFinalize
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &ExpirationScheduler{
		polls:     polls,
		finalizer: finalizer,
		leader:    leader,
		interval:  interval,
		sem:       semaphore.NewWeighted(maxConcurrent),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
	if leader == nil {
		s.isLeader.Store(true)
	}
	return s
}

// Start 启动扫描定时器
func (s *ExpirationScheduler) Start() {
	ticker := time.NewTicker(s.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.isLeader.Load() {
					continue
				}
				if _, err := s.Sweep(context.Background()); err != nil {
					logger.Error("扫描过期投票失败", zap.Error(err))
				}
			case <-s.stopChan:
				logger.Info("过期扫描已停止")
				return
			}
		}
	}()

	if s.leader != nil {
		go s.maintainLeaderLock()
	}
	logger.Info("过期扫描已启动", zap.Duration("interval", s.interval), zap.Bool("leaderElection", s.leader != nil))
}

// maintainLeaderLock 每隔半个扫描周期竞争或续期主节点锁
func (s *ExpirationScheduler) maintainLeaderLock() {
	ticker := time.NewTicker(s.interval / 2)
	defer ticker.Stop()

	s.tryAcquireLeaderLock()
	for {
		select {
		case <-ticker.C:
			s.tryAcquireLeaderLock()
		case <-s.stopChan:
			return
		}
	}
}

func (s *ExpirationScheduler) tryAcquireLeaderLock() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval/2)
	defer cancel()

	acquired, err := s.leader.AcquireLock(ctx, LeaderLockName, s.interval)
	if err != nil {
		logger.Warn("检查扫描主节点锁失败", zap.Error(err))
		s.isLeader.Store(false)
		return
	}
	if acquired != s.isLeader.Load() {
		logger.Info("扫描主节点状态变化", zap.Bool("leader", acquired))
	}
	s.isLeader.Store(acquired)
}

// IsLeader 当前实例是否执行扫描
func (s *ExpirationScheduler) IsLeader() bool {
	return s.isLeader.Load()
}

// Sweep 查询已过期且未删除的投票，逐个异步结束，不等待结束完成。
// 并发结束数达到上限时跳过剩余投票，留待下一次扫描。返回本次派发的数量。
func (s *ExpirationScheduler) Sweep(ctx context.Context) (int, error) {
	expired, err := s.polls.FindExpiredPolls(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("查询过期投票失败: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, p := range expired {
		if !s.sem.TryAcquire(1) {
			logger.Warn("并发结束数已达上限，剩余投票留待下次扫描",
				zap.Int("dispatched", dispatched), zap.Int("expired", len(expired)))
			break
		}
		dispatched++

		s.inflight.Add(1)
		go func(pollID int64) {
			defer s.inflight.Done()
			defer s.sem.Release(1)

			fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()

			done, err := s.finalizer.Finalize(fctx, pollID)
			if err != nil {
				logger.Error("结束过期投票失败", zap.Int64("pollId", pollID), zap.Error(err))
				return
			}
			if done {
				logger.Info("过期投票已结束", zap.Int64("pollId", pollID))
			}
		}(p.ID)
	}
	return dispatched, nil
}

// Wait 等待已派发的结束操作完成
func (s *ExpirationScheduler) Wait() {
	s.inflight.Wait()
}

// Stop 停止扫描并释放主节点锁
func (s *ExpirationScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.inflight.Wait()

		if s.leader != nil && s.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.leader.ReleaseLock(ctx, LeaderLockName); err != nil {
				logger.Warn("释放扫描主节点锁失败", zap.Error(err))
			}
			s.isLeader.Store(false)
		}
	})
}
