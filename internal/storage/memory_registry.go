package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry 进程内的站点归属注册表，单实例部署的默认选择
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	ownerID   string
	expiresAt time.Time // 零值表示不过期
}

// NewMemoryRegistry 创建内存注册表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
	}
}

// Register 登记或刷新一个站点的归属
func (m *MemoryRegistry) Register(_ context.Context, stationID string, ownerID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{ownerID: ownerID}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[stationID] = entry
	return nil
}

// Owner 查询站点归属
func (m *MemoryRegistry) Owner(_ context.Context, stationID string) (string, error) {
	m.mu.RLock()
	entry, ok := m.entries[stationID]
	m.mu.RUnlock()

	if !ok {
		return "", ErrNotRegistered
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, stationID)
		m.mu.Unlock()
		return "", ErrNotRegistered
	}
	return entry.ownerID, nil
}

// Deregister 删除一个站点的登记
func (m *MemoryRegistry) Deregister(_ context.Context, stationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, stationID)
	return nil
}

// Close 无操作
func (m *MemoryRegistry) Close() error {
	return nil
}
