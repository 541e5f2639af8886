package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/station-simulator/internal/config"
	"github.com/charging-platform/station-simulator/internal/events"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/storage"
	"github.com/charging-platform/station-simulator/internal/supervisor"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	// 3. 事件下沉：启用Kafka时发布配置文件与限流事件
	var sink events.Sink = events.NopSink{}
	if cfg.Kafka.Enabled {
		kafkaSink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka sink: %v", err)
		}
		sink = kafkaSink
		log.Infof("Kafka event sink initialized with brokers: %v, topic: %s", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	// 4. 站点注册表：启用Redis时对控制面镜像站点归属
	var registry storage.StationRegistry
	if cfg.Redis.Enabled {
		redisRegistry, err := storage.NewRedisRegistry(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize Redis registry: %v", err)
		}
		registry = redisRegistry
		log.Infof("Redis station registry initialized at %s", cfg.Redis.Addr)
	}

	// 5. 初始化监管器
	sup := supervisor.New(supervisor.Config{
		CSMSURL:        cfg.CSMS.URL,
		ConnectTimeout: cfg.CSMS.ConnectTimeout,
		CallTimeout:    cfg.CSMS.CallTimeout,
		IDPrefix:       cfg.Stations.IDPrefix,
		InitialPrice:   cfg.Stations.InitialPrice,
	}, log, sink, registry)
	log.Infof("Supervisor initialized, CSMS at %s", cfg.CSMS.URL)

	// 6. 启动监控服务器
	go startMetricsServer(cfg.GetMetricsAddr(), log)
	log.Infof("Metrics server starting on %s...", cfg.GetMetricsAddr())

	// 7. 自动启动编队
	ctx := context.Background()
	if cfg.Stations.AutostartCount > 0 {
		if err := sup.Scale(ctx, cfg.Stations.Owner, cfg.Stations.AutostartCount, cfg.Stations.DefaultProfile); err != nil {
			log.Fatalf("Failed to start station fleet: %v", err)
		}
		log.Infof("Started %d stations with profile %s", cfg.Stations.AutostartCount, cfg.Stations.DefaultProfile)
	}

	log.Info("Station simulator started successfully")

	// 8. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down simulator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. 停止全部站点
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down supervisor: %v", err)
	}
	log.Info("All stations stopped")

	// 2. 关闭事件下沉
	if err := sink.Close(); err != nil {
		log.Errorf("Error closing event sink: %v", err)
	}
	log.Info("Event sink closed")

	// 3. 关闭注册表连接
	if registry != nil {
		if err := registry.Close(); err != nil {
			log.Errorf("Error closing station registry: %v", err)
		}
		log.Info("Station registry closed")
	}

	log.Info("Simulator gracefully stopped.")
}

// startMetricsServer 启动监控服务器
func startMetricsServer(addr string, log *logger.Logger) {
	http.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Metrics server failed: %v", err)
	}
}
