package smartcharging

import (
	"sort"
	"sync"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// ProfileStore 按连接器维护充电配置文件，连接器0表示整桩范围。
// 纯内存存储，生命周期与会话一致。
type ProfileStore struct {
	mu          sync.RWMutex
	byConnector map[int][]*Profile
}

// NewProfileStore 创建空的配置文件存储
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		byConnector: make(map[int][]*Profile),
	}
}

// Add 校验并存储配置文件。同一id先替换旧条目，替换后
// (purpose, stackLevel) 仍与其他条目冲突时拒绝。
func (s *ProfileStore) Add(connectorID int, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byConnector[connectorID]
	survivors := make([]*Profile, 0, len(existing)+1)
	for _, old := range existing {
		if old.ID == p.ID {
			continue
		}
		survivors = append(survivors, old)
	}
	for _, old := range survivors {
		if old.Purpose == p.Purpose && old.StackLevel == p.StackLevel {
			return &ProfileError{
				Kind:   ErrStackConflict,
				Detail: "profile with same purpose and stackLevel already stored",
			}
		}
	}
	s.byConnector[connectorID] = append(survivors, p)
	return nil
}

// ClearFilter 清除条件，所有字段按AND组合，nil表示不限制
type ClearFilter struct {
	ProfileID  *int
	Purpose    *ocpp16.ChargingProfilePurpose
	StackLevel *int
}

func (f ClearFilter) matches(p *Profile) bool {
	if f.ProfileID != nil && p.ID != *f.ProfileID {
		return false
	}
	if f.Purpose != nil && p.Purpose != *f.Purpose {
		return false
	}
	if f.StackLevel != nil && p.StackLevel != *f.StackLevel {
		return false
	}
	return true
}

// Clear 从单个连接器清除匹配的配置文件，返回移除数量
func (s *ProfileStore) Clear(connectorID int, f ClearFilter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(connectorID, f)
}

// ClearAll 从所有连接器清除匹配的配置文件，返回移除数量
func (s *ProfileStore) ClearAll(f ClearFilter) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for connectorID := range s.byConnector {
		removed += s.clearLocked(connectorID, f)
	}
	return removed
}

func (s *ProfileStore) clearLocked(connectorID int, f ClearFilter) int {
	existing := s.byConnector[connectorID]
	survivors := existing[:0:0]
	removed := 0
	for _, p := range existing {
		if f.matches(p) {
			removed++
			continue
		}
		survivors = append(survivors, p)
	}
	if len(survivors) == 0 {
		delete(s.byConnector, connectorID)
	} else {
		s.byConnector[connectorID] = survivors
	}
	return removed
}

// ListForConnector 返回连接器上配置文件的快照
func (s *ProfileStore) ListForConnector(connectorID int) []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.byConnector[connectorID]
	snapshot := make([]*Profile, len(existing))
	copy(snapshot, existing)
	return snapshot
}

// ConnectorIDs 返回当前持有配置文件的连接器ID，升序
func (s *ProfileStore) ConnectorIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int, 0, len(s.byConnector))
	for id := range s.byConnector {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
