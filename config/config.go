package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	Lock    LockConfig    `mapstructure:"lock"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Feed    FeedConfig    `mapstructure:"feed"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin运行模式: debug/release/test
	// 实例ID，重启后保持不变；Kafka消费组和事件来源都依赖它
	InstanceID string `mapstructure:"instance_id"`
}

type MySQLConfig struct {
	Master       string        `mapstructure:"master"`
	Slave        string        `mapstructure:"slave"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// 最近投票镜像列表
	MirrorKey    string `mapstructure:"mirror_key"`
	MirrorBuffer int    `mapstructure:"mirror_buffer"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // etcd / redis / none
	Timeout       time.Duration `mapstructure:"timeout"` // 等待获取锁的最长时间
	TTL           time.Duration `mapstructure:"ttl"`     // 持有者崩溃后锁自动过期的时间
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type CacheConfig struct {
	Capacity        int  `mapstructure:"capacity"`
	ReplayFromRedis bool `mapstructure:"replay_from_redis"`
}

type FeedConfig struct {
	Title       string `mapstructure:"title"`
	Link        string `mapstructure:"link"`
	Description string `mapstructure:"description"`
	Limit       int    `mapstructure:"limit"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json / console
}

var AppConfig Config

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.query_timeout", 3*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 2*time.Second)
	v.SetDefault("redis.mirror_key", "lyricvote:recent_votes")
	v.SetDefault("redis.mirror_buffer", 256)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "lyric-votes")
	v.SetDefault("kafka.group_id", "lyricvote")

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.timeout", 30*time.Second)
	v.SetDefault("lock.ttl", 15*time.Second)
	v.SetDefault("lock.retry_interval", 100*time.Millisecond)

	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.replay_from_redis", false)

	v.SetDefault("feed.title", "Recent lyric votes")
	v.SetDefault("feed.link", "http://localhost:8080/")
	v.SetDefault("feed.description", "Latest upvotes and downvotes on lyric lines")
	v.SetDefault("feed.limit", 50)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LYRICVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity 必须大于0, 当前: %d", c.Cache.Capacity)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port 超出范围: %d", c.Server.Port)
	}
	switch c.Lock.Backend {
	case "etcd", "redis", "none":
	default:
		return fmt.Errorf("未知的 lock.backend: %s", c.Lock.Backend)
	}
	if c.Lock.Backend != "none" && c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl 不能小于1秒, 当前: %s", c.Lock.TTL)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用Kafka时 kafka.brokers 不能为空")
	}
	if c.Redis.Enabled && c.Redis.DataAddress == "" {
		return fmt.Errorf("启用Redis时 redis.data_address 不能为空")
	}
	return nil
}
