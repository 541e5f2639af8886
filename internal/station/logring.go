package station

import (
	"fmt"
	"sync"
	"time"
)

// logRingCapacity 每个站点保留的最近日志条数
const logRingCapacity = 50

// LogRing 固定容量的人类可读事件环，满后覆盖最旧条目。
// 控制面通过监管器读取，写入发生在站点自身的协程上。
type LogRing struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
	now     func() time.Time
}

// NewLogRing 创建容量为50的日志环
func NewLogRing() *LogRing {
	return &LogRing{
		entries: make([]string, logRingCapacity),
		now:     time.Now,
	}
}

// Append 追加一条带时间戳的日志
func (r *LogRing) Append(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s", r.now().Format("15:04:05"), message)
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Appendf 格式化追加
func (r *LogRing) Appendf(format string, args ...interface{}) {
	r.Append(fmt.Sprintf(format, args...))
}

// Entries 按时间顺序返回当前日志快照
func (r *LogRing) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		snapshot := make([]string, r.next)
		copy(snapshot, r.entries[:r.next])
		return snapshot
	}
	snapshot := make([]string, 0, len(r.entries))
	snapshot = append(snapshot, r.entries[r.next:]...)
	snapshot = append(snapshot, r.entries[:r.next]...)
	return snapshot
}
