package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotRegistered 站点未在注册表中登记
var ErrNotRegistered = errors.New("station not registered")

// StationRegistry 定义了站点归属注册表的接口。监管器内部的
// 归属映射是权威来源，注册表只是控制面可见的镜像。
type StationRegistry interface {
	// Register 登记或刷新一个站点的归属
	// stationID: 站点的唯一标识
	// ownerID: 启动该站点的控制面主体
	// ttl: 键的过期时间，用于自动清理僵尸站点
	Register(ctx context.Context, stationID string, ownerID string, ttl time.Duration) error

	// Owner 查询站点归属，未登记时返回ErrNotRegistered
	Owner(ctx context.Context, stationID string) (string, error)

	// Deregister 删除一个站点的登记（站点正常停止时）
	Deregister(ctx context.Context, stationID string) error

	// Close 关闭与存储后端的连接
	Close() error
}
