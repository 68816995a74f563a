package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
	Poll    PollConfig    `mapstructure:"poll"`
	Economy EconomyConfig `mapstructure:"economy"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Address    string        `mapstructure:"address"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// 网关推送的频道消息与按钮事件
	InboundTopic string `mapstructure:"inbound_topic"`
	// 发往网关的待发送消息
	OutboundTopic string `mapstructure:"outbound_topic"`
	// 投票生命周期事件
	EventTopic string `mapstructure:"event_topic"`
	GroupID    string `mapstructure:"group_id"`
	Workers    int    `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  int64         `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	ErrorFile string `mapstructure:"error_file"`
	Console   bool   `mapstructure:"console"`
}

// 软过期策略
const (
	SoftExpirySuppressRender = "suppress_render"
	SoftExpiryFinalize       = "finalize"
)

// ErrUnknownSoftExpiryPolicy soft_expiry_policy 取值不在支持范围内
var ErrUnknownSoftExpiryPolicy = errors.New("未知的软过期策略")

// PollConfig 投票引擎参数
type PollConfig struct {
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	DefaultExpiryHours    float64       `mapstructure:"default_expiry_hours"`
	MinExpiryHours        float64       `mapstructure:"min_expiry_hours"`
	FinalizeMutexTTL      time.Duration `mapstructure:"finalize_mutex_ttl"`
	LockRetries           int           `mapstructure:"lock_retries"`
	LockRetryDelay        time.Duration `mapstructure:"lock_retry_delay"`
	RenderBudget          int           `mapstructure:"render_budget"`
	SoftExpiryThreshold   int           `mapstructure:"soft_expiry_threshold"`
	SoftExpiryPolicy      string        `mapstructure:"soft_expiry_policy"`
	MaxConcurrentFinalize int64         `mapstructure:"max_concurrent_finalize"`
	FinishGrace           time.Duration `mapstructure:"finish_grace"`
}

// EconomyConfig 用户缓存与游戏限流参数
type EconomyConfig struct {
	UserTTL      time.Duration `mapstructure:"user_ttl"`
	GameCooldown time.Duration `mapstructure:"game_cooldown"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	RateLimit    int64         `mapstructure:"rate_limit"`
	WarnTTL      time.Duration `mapstructure:"warn_ttl"`
}

var AppConfig Config

// DefaultPollConfig 返回未配置时使用的投票参数
func DefaultPollConfig() PollConfig {
	return PollConfig{
		SweepInterval:         time.Minute,
		DefaultExpiryHours:    168,
		MinExpiryHours:        0.5,
		FinalizeMutexTTL:      3 * time.Second,
		LockRetries:           5,
		LockRetryDelay:        100 * time.Millisecond,
		RenderBudget:          6500,
		SoftExpiryThreshold:   4,
		SoftExpiryPolicy:      SoftExpirySuppressRender,
		MaxConcurrentFinalize: 16,
		FinishGrace:           700 * time.Millisecond,
	}
}

// DefaultEconomyConfig 返回未配置时使用的经济模块参数
func DefaultEconomyConfig() EconomyConfig {
	return EconomyConfig{
		UserTTL:      24 * time.Hour,
		GameCooldown: 3 * time.Second,
		RateWindow:   10 * time.Second,
		RateLimit:    5,
		WarnTTL:      10 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	poll := DefaultPollConfig()
	eco := DefaultEconomyConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.timeout", 2*time.Second)
	v.SetDefault("kafka.inbound_topic", "pollbot.gateway.inbound")
	v.SetDefault("kafka.outbound_topic", "pollbot.gateway.outbound")
	v.SetDefault("kafka.event_topic", "pollbot.poll.events")
	v.SetDefault("kafka.group_id", "pollbot")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.session_ttl", 10)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("poll.sweep_interval", poll.SweepInterval)
	v.SetDefault("poll.default_expiry_hours", poll.DefaultExpiryHours)
	v.SetDefault("poll.min_expiry_hours", poll.MinExpiryHours)
	v.SetDefault("poll.finalize_mutex_ttl", poll.FinalizeMutexTTL)
	v.SetDefault("poll.lock_retries", poll.LockRetries)
	v.SetDefault("poll.lock_retry_delay", poll.LockRetryDelay)
	v.SetDefault("poll.render_budget", poll.RenderBudget)
	v.SetDefault("poll.soft_expiry_threshold", poll.SoftExpiryThreshold)
	v.SetDefault("poll.soft_expiry_policy", poll.SoftExpiryPolicy)
	v.SetDefault("poll.max_concurrent_finalize", poll.MaxConcurrentFinalize)
	v.SetDefault("poll.finish_grace", poll.FinishGrace)

	v.SetDefault("economy.user_ttl", eco.UserTTL)
	v.SetDefault("economy.game_cooldown", eco.GameCooldown)
	v.SetDefault("economy.rate_window", eco.RateWindow)
	v.SetDefault("economy.rate_limit", eco.RateLimit)
	v.SetDefault("economy.warn_ttl", eco.WarnTTL)
}

// NormalizeSoftExpiryPolicy 统一大小写，空值视为 suppress_render
func NormalizeSoftExpiryPolicy(policy string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(policy)); p {
	case "":
		return SoftExpirySuppressRender, nil
	case SoftExpirySuppressRender, SoftExpiryFinalize:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSoftExpiryPolicy, policy)
	}
}

// LoadConfig 加载配置文件，环境变量 POLLBOT_* 覆盖文件中的值
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("POLLBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("绑定命令行参数失败: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	policy, err := NormalizeSoftExpiryPolicy(AppConfig.Poll.SoftExpiryPolicy)
	if err != nil {
		return nil, err
	}
	AppConfig.Poll.SoftExpiryPolicy = policy

	return &AppConfig, nil
}
