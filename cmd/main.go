package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/api/graph"
	"github.com/lvdashuaibi/lyricvote/internal/api/rest"
	"github.com/lvdashuaibi/lyricvote/internal/cache"
	intkafka "github.com/lvdashuaibi/lyricvote/internal/kafka"
	"github.com/lvdashuaibi/lyricvote/internal/lock"
	"github.com/lvdashuaibi/lyricvote/internal/logging"
	"github.com/lvdashuaibi/lyricvote/internal/repository"
	"github.com/lvdashuaibi/lyricvote/internal/service"
	"go.uber.org/zap"
)

const SchemaLockName = "lyricvote:schema:lock"

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.String("instance", "", "实例ID，覆盖配置中的server.instance_id")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	id, err := resolveInstanceID(*instanceID, cfg.Server.InstanceID, os.Hostname)
	if err != nil {
		logger.Fatal("无法确定实例ID", zap.Error(err))
	}
	*instanceID = id
	logger = logger.With(zap.String("instance", *instanceID))
	logger.Info("配置加载成功", zap.String("config", *configPath))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()
	logger.Info("MySQL仓库初始化成功")

	// 多实例同时启动时依次建表，每个实例都要在表就绪后才开始服务
	distributedLock, err := newLock(cfg, logger)
	if err != nil {
		return err
	}
	defer distributedLock.Close()

	lockCtx, cancelLock := context.WithTimeout(context.Background(), cfg.Lock.Timeout)
	err = lock.WithLock(lockCtx, distributedLock, SchemaLockName, cfg.Lock.RetryInterval, mysqlRepo.EnsureSchema)
	cancelLock()
	if err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	logger.Info("表结构检查完成")

	recent := cache.NewRecentVotes(cfg.Cache.Capacity)
	checks := map[string]rest.HealthCheck{"mysql": mysqlRepo.Ping}

	var opts []service.Option

	var mirror *repository.RedisMirror
	if cfg.Redis.Enabled {
		mirror, err = repository.NewRedisMirror(cfg.Redis, cfg.Cache.Capacity, logger)
		if err != nil {
			return fmt.Errorf("初始化Redis镜像失败: %w", err)
		}
		mirror.Start()
		defer mirror.Close()
		opts = append(opts, service.WithMirror(mirror))
		checks["redis"] = mirror.Ping
		logger.Info("Redis最近投票镜像已启动")
	}

	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(cfg.Kafka, *instanceID, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		opts = append(opts, service.WithPublisher(producer))
		logger.Info("Kafka生产者初始化成功")
	}

	feedbackService := service.NewFeedbackService(mysqlRepo, recent, clockwork.NewRealClock(), logger, opts...)

	if mirror != nil && cfg.Cache.ReplayFromRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err := mirror.Load(ctx)
		cancel()
		if err != nil {
			logger.Warn("从Redis恢复最近投票失败", zap.Error(err))
		} else {
			feedbackService.Restore(events)
			logger.Info("已从Redis恢复最近投票", zap.Int("events", len(events)))
		}
	}

	if cfg.Kafka.Enabled {
		consumer := intkafka.NewConsumer(cfg.Kafka, *instanceID, logger)
		consumer.StartConsuming(feedbackService.IngestPeerEvent)
		defer consumer.Stop()
	}

	gin.SetMode(cfg.Server.Mode)
	graphqlServer := graph.NewGraphQLServer(feedbackService, cfg.GraphQL.Path)
	router := rest.NewRouter(feedbackService, graphqlServer, cfg.Feed, checks, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Lyric Vote 服务已启动",
		zap.String("addr", srv.Addr),
		zap.String("graphql", cfg.GraphQL.Path),
		zap.Int("cache_capacity", cfg.Cache.Capacity))

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("HTTP服务启动失败: %w", err)
	}

	logger.Info("正在关闭服务...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLock(cfg *config.Config, logger *zap.Logger) (lock.Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		l, err := lock.NewETCDLock(cfg.ETCD, cfg.Lock.TTL, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		return l, nil
	case "redis":
		l, err := lock.NewRedLock(cfg.Redis, cfg.Lock.TTL, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Redis分布式锁失败: %w", err)
		}
		return l, nil
	default:
		return lock.NoopLock{}, nil
	}
}

// resolveInstanceID 命令行参数优先，其次配置，最后使用主机名
//
// 实例ID必须在重启后保持不变，否则每次启动都会创建新的Kafka消费组。
func resolveInstanceID(flagValue, configValue string, hostname func() (string, error)) (string, error) {
	if id := strings.TrimSpace(flagValue); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(configValue); id != "" {
		return id, nil
	}
	host, err := hostname()
	if err != nil {
		return "", fmt.Errorf("读取主机名失败，请配置 server.instance_id: %w", err)
	}
	if host = strings.TrimSpace(host); host == "" {
		return "", fmt.Errorf("主机名为空，请配置 server.instance_id")
	}
	return host, nil
}
