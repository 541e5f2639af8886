package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/station-simulator/internal/config"
)

// RedisRegistry 使用Redis存储站点归属映射
type RedisRegistry struct {
	Client *redis.Client
	Prefix string
}

// NewRedisRegistry 创建一个新的RedisRegistry实例
func NewRedisRegistry(cfg config.RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 尝试ping Redis以验证连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisRegistry{Client: client, Prefix: "station:"}, nil
}

// Register 登记或刷新一个站点的归属
func (r *RedisRegistry) Register(ctx context.Context, stationID string, ownerID string, ttl time.Duration) error {
	key := r.Prefix + stationID
	return r.Client.Set(ctx, key, ownerID, ttl).Err()
}

// Owner 查询站点归属
func (r *RedisRegistry) Owner(ctx context.Context, stationID string) (string, error) {
	key := r.Prefix + stationID
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotRegistered
	}
	return val, err
}

// Deregister 删除一个站点的登记
func (r *RedisRegistry) Deregister(ctx context.Context, stationID string) error {
	key := r.Prefix + stationID
	return r.Client.Del(ctx, key).Err()
}

// Close 关闭与存储后端的连接
func (r *RedisRegistry) Close() error {
	return r.Client.Close()
}
