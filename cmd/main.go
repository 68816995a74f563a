package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/api/graph"
	"github.com/lvdashuaibi/pollbot/internal/economy"
	intkafka "github.com/lvdashuaibi/pollbot/internal/kafka"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"github.com/lvdashuaibi/pollbot/internal/messenger"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/lvdashuaibi/pollbot/internal/scheduler"
	"github.com/lvdashuaibi/pollbot/internal/service"
	"github.com/lvdashuaibi/pollbot/internal/tracker"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("pollbot", pflag.ExitOnError)
	configPath := flags.String("config", "config/config.yaml", "配置文件路径")
	instanceID := flags.Int("instance", 1, "实例ID，用于区分多个实例")
	flags.String("log.level", "info", "日志级别")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Configuration{
		LogFile:   cfg.Log.File,
		ErrorFile: cfg.Log.ErrorFile,
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("配置加载成功", zap.Int("instance", *instanceID))

	ctx := context.Background()

	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL)
	if err != nil {
		logger.Fatal("初始化MySQL仓库失败", zap.Error(err))
	}
	defer mysqlRepo.Close()
	if err := mysqlRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("初始化表结构失败", zap.Error(err))
	}
	logger.Info("MySQL仓库初始化成功")

	redisRepo, err := repository.NewRedisRepository(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("初始化Redis仓库失败", zap.Error(err))
	}
	defer redisRepo.Close()
	logger.Info("Redis仓库初始化成功")

	locks := lock.NewService(redisRepo)

	// 配置了 etcd 时用 etcd 选举扫描主节点，否则退化为 Redis 互斥锁
	var leaderLock lock.Lock
	if len(cfg.ETCD.Endpoints) > 0 {
		etcdLock, err := lock.NewETCDLock(cfg.ETCD)
		if err != nil {
			logger.Fatal("初始化ETCD分布式锁失败", zap.Error(err))
		}
		leaderLock = etcdLock
		logger.Info("ETCD分布式锁初始化成功")
	} else {
		leaderLock = lock.NewCacheLock(locks)
		logger.Info("未配置etcd，使用Redis锁选举扫描节点")
	}
	defer leaderLock.Close()

	producer, err := intkafka.NewProducer(cfg.Kafka)
	if err != nil {
		logger.Fatal("初始化Kafka生产者失败", zap.Error(err))
	}
	defer producer.Close()

	consumer, err := intkafka.NewConsumer(cfg.Kafka)
	if err != nil {
		logger.Fatal("初始化Kafka消费者失败", zap.Error(err))
	}

	activity := tracker.NewActivityTracker(cfg.Poll.SoftExpiryThreshold)
	pollService := service.NewPollService(
		mysqlRepo,
		mysqlRepo,
		locks,
		messenger.NewKafkaMessenger(producer),
		activity,
		producer,
		cfg.Poll,
	)

	expiry := scheduler.NewExpirationScheduler(mysqlRepo, pollService, leaderLock, cfg.Poll)
	expiry.Start()

	userCache := economy.NewUserCacheService(redisRepo, mysqlRepo, cfg.Economy)
	guard := economy.NewGameGuard(locks, userCache, cfg.Economy)

	consumer.StartConsuming(pollService.HandleGatewayEvent)

	graphqlServer := graph.NewGraphQLServer(pollService, userCache, guard, cfg.GraphQL.Path)
	serverPort := cfg.Server.Port + *instanceID - 1
	go func() {
		if err := graphqlServer.Start(serverPort); err != nil {
			logger.Fatal("启动GraphQL服务器失败", zap.Error(err))
		}
	}()

	logger.Info("Pollbot 已启动", zap.Int("instance", *instanceID), zap.Int("port", serverPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := graphqlServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭GraphQL服务器失败", zap.Error(err))
	}
	if err := consumer.Stop(); err != nil {
		logger.Warn("关闭Kafka消费者失败", zap.Error(err))
	}
	expiry.Stop()
}
