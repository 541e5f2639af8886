// Package events 定义模拟器的事件下沉：配置文件被接受、
// OCPP限制生效等记录可以发布给外部协作方，正确性不依赖它。
package events

import "time"

// 事件类别
const (
	KindProfileAccepted = "profile_accepted"
	KindLimitApplied    = "limit_applied"
)

// Record 单条事件记录
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	StationID   string    `json:"stationId"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
}

// Sink 事件接收方
type Sink interface {
	Publish(record Record) error
	Close() error
}

// NopSink 丢弃全部事件的默认实现
type NopSink struct{}

// Publish 丢弃事件
func (NopSink) Publish(Record) error { return nil }

// Close 无操作
func (NopSink) Close() error { return nil }
