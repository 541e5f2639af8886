// Package supervisor 管理模拟桩编队：按归属方启动、停止和扩缩容
// 站点会话。归属映射是唯一的跨会话共享状态，只在监管器的锁下变更。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/events"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/metrics"
	"github.com/charging-platform/station-simulator/internal/station"
	"github.com/charging-platform/station-simulator/internal/storage"
	"github.com/charging-platform/station-simulator/internal/transport/ocppj"
)

var (
	// ErrNotOwned 调用方不是站点的归属方
	ErrNotOwned = errors.New("station not owned by caller")
	// ErrUnknownStation 站点未在运行
	ErrUnknownStation = errors.New("station not running")
)

// registryTTL 注册表键的过期时间，用于清理僵尸站点
const registryTTL = 24 * time.Hour

// Config 监管器配置
type Config struct {
	CSMSURL        string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	IDPrefix       string
	InitialPrice   float64
}

// StationInfo 控制面可见的站点状态
type StationInfo struct {
	StationID string
	Profile   string
	Running   bool
}

// stationTask 单个站点的运行记录
type stationTask struct {
	ownerID     string
	profileName string
	cancel      context.CancelFunc
	done        chan struct{}

	mu      sync.Mutex
	session *station.Session
}

func (t *stationTask) setSession(s *station.Session) {
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
}

func (t *stationTask) getSession() *station.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *stationTask) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Supervisor 站点编队监管器
type Supervisor struct {
	cfg      Config
	log      *logger.Logger
	sink     events.Sink
	registry storage.StationRegistry

	mu       sync.Mutex
	stations map[string]*stationTask
	price    float64
}

// New 创建监管器。sink和registry可为nil，分别退化为丢弃事件
// 和不做外部登记。
func New(cfg Config, log *logger.Logger, sink events.Sink, registry storage.StationRegistry) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "PY-SIM"
	}
	return &Supervisor{
		cfg:      cfg,
		log:      log.Named("supervisor"),
		sink:     sink,
		registry: registry,
		stations: make(map[string]*stationTask),
		price:    cfg.InitialPrice,
	}
}

// Start 启动一个站点。同一归属方重复启动是幂等的；站点已被其他
// 归属方占用时返回ErrNotOwned。连接失败的任务进入降级保活，
// 不影响编队其余站点。
func (s *Supervisor) Start(ctx context.Context, ownerID, stationID, profileName string) error {
	profile, err := station.LookupProfile(profileName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if existing, ok := s.stations[stationID]; ok && existing.running() {
		defer s.mu.Unlock()
		if existing.ownerID != ownerID {
			return ErrNotOwned
		}
		return nil
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &stationTask{
		ownerID:     ownerID,
		profileName: profileName,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.stations[stationID] = task
	price := s.price
	s.mu.Unlock()

	metrics.StationsStarted.Inc()
	metrics.StationsRunning.Inc()

	if s.registry != nil {
		if err := s.registry.Register(ctx, stationID, ownerID, registryTTL); err != nil {
			s.log.Warnf("Failed to register station %s: %v", stationID, err)
		}
	}

	go s.runStation(taskCtx, task, stationID, profile, price)
	return nil
}

// runStation 站点任务主体：连接、建立会话、驱动至终止
func (s *Supervisor) runStation(ctx context.Context, task *stationTask, stationID string, profile station.Profile, price float64) {
	defer close(task.done)
	defer metrics.StationsRunning.Dec()

	conn, err := ocppj.Dial(ctx, s.cfg.CSMSURL, stationID, s.cfg.ConnectTimeout)
	if err != nil {
		// 降级保活：CSMS不可达不能拖垮整个编队
		s.log.Warnf("Station %s could not connect, entering degraded keep-alive: %v", stationID, err)
		<-ctx.Done()
		return
	}

	session := station.NewSession(station.SessionConfig{
		StationID:   stationID,
		Profile:     profile,
		Price:       price,
		CallTimeout: s.cfg.CallTimeout,
		Logger:      s.log,
		Sink:        s.sink,
	}, conn)
	task.setSession(session)

	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warnf("Station %s terminated: %v", stationID, err)
		return
	}
	s.log.Debugf("Station %s stopped", stationID)
}

// Stop 停止站点并等待任务干净退出，幂等
func (s *Supervisor) Stop(ctx context.Context, ownerID, stationID string) error {
	s.mu.Lock()
	task, ok := s.stations[stationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if task.ownerID != ownerID {
		s.mu.Unlock()
		return ErrNotOwned
	}
	s.mu.Unlock()

	task.cancel()
	select {
	case <-task.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if current, ok := s.stations[stationID]; ok && current == task {
		delete(s.stations, stationID)
	}
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, stationID); err != nil {
			s.log.Warnf("Failed to deregister station %s: %v", stationID, err)
		}
	}
	return nil
}

// Scale 先停掉归属方的全部站点，再启动targetCount个按
// <prefix>-0001起连续编号的站点
func (s *Supervisor) Scale(ctx context.Context, ownerID string, targetCount int, profileName string) error {
	for _, stationID := range s.stationIDsForOwner(ownerID) {
		if err := s.Stop(ctx, ownerID, stationID); err != nil {
			return err
		}
	}

	for i := 1; i <= targetCount; i++ {
		stationID := fmt.Sprintf("%s-%04d", s.cfg.IDPrefix, i)
		if err := s.Start(ctx, ownerID, stationID, profileName); err != nil {
			return err
		}
	}
	return nil
}

// ListForOwner 返回归属方站点的状态快照，按站点ID排序
func (s *Supervisor) ListForOwner(ownerID string) []StationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]StationInfo, 0, len(s.stations))
	for stationID, task := range s.stations {
		if task.ownerID != ownerID {
			continue
		}
		result = append(result, StationInfo{
			StationID: stationID,
			Profile:   task.profileName,
			Running:   task.running(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StationID < result[j].StationID
	})
	return result
}

// GetLogs 返回站点日志环的快照。降级保活中的站点没有会话，
// 返回空日志。
func (s *Supervisor) GetLogs(ownerID, stationID string) ([]string, error) {
	s.mu.Lock()
	task, ok := s.stations[stationID]
	s.mu.Unlock()

	if !ok {
		return nil, ErrUnknownStation
	}
	if task.ownerID != ownerID {
		return nil, ErrNotOwned
	}

	session := task.getSession()
	if session == nil {
		return []string{}, nil
	}
	return session.Logs(), nil
}

// SetPrice 更新电价并下发到每个运行中的会话。会话读取各自的
// 快照，不共享可变引用。
func (s *Supervisor) SetPrice(price float64) {
	s.mu.Lock()
	s.price = price
	tasks := make([]*stationTask, 0, len(s.stations))
	for _, task := range s.stations {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		if session := task.getSession(); session != nil {
			session.SetPrice(price)
		}
	}
}

// Shutdown 停止全部站点，进程退出路径
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	tasks := make(map[string]*stationTask, len(s.stations))
	for stationID, task := range s.stations {
		tasks[stationID] = task
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for stationID, task := range tasks {
		select {
		case <-task.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		delete(s.stations, stationID)
		s.mu.Unlock()
		if s.registry != nil {
			if err := s.registry.Deregister(ctx, stationID); err != nil {
				s.log.Warnf("Failed to deregister station %s: %v", stationID, err)
			}
		}
	}
	return nil
}

func (s *Supervisor) stationIDsForOwner(ownerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.stations))
	for stationID, task := range s.stations {
		if task.ownerID == ownerID {
			ids = append(ids, stationID)
		}
	}
	sort.Strings(ids)
	return ids
}
