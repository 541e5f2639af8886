package station

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/domain/smartcharging"
	"github.com/charging-platform/station-simulator/internal/events"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/metrics"
	"github.com/charging-platform/station-simulator/internal/policy"
	"github.com/charging-platform/station-simulator/internal/transport/ocppj"
)

const (
	chargePointVendor = "GoSim-Vendor"
	chargePointModel  = "GoSim-Model"

	// 策略拒绝充电后的重试间隔
	blockedRetryInterval = 60 * time.Second

	// 交易固定使用1号连接器
	transactionConnectorID = 1
)

// SessionConfig 会话参数
type SessionConfig struct {
	StationID   string
	Profile     Profile
	Price       float64
	CallTimeout time.Duration
	Logger      *logger.Logger
	Sink        events.Sink
}

// Session 单个模拟桩的OCPP会话。持有传输客户端、配置文件存储
// 和日志环；接收循环、心跳循环与交易循环并发运行。
type Session struct {
	stationID string
	profile   Profile
	log       *logger.Logger
	client    *ocppj.Client
	store     *smartcharging.ProfileStore
	logs      *LogRing
	sink      events.Sink
	validate  *validator.Validate
	rng       *rand.Rand

	mu          sync.Mutex
	price       float64
	currentTxID *int
	txStart     *time.Time
}

// NewSession 基于帧通道创建会话并注册入站处理函数
func NewSession(cfg SessionConfig, conn ocppj.FrameConn) *Session {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithStation(cfg.StationID)

	sink := cfg.Sink
	if sink == nil {
		sink = events.NopSink{}
	}

	s := &Session{
		stationID: cfg.StationID,
		profile:   cfg.Profile,
		log:       log,
		client:    ocppj.NewClient(conn, log, cfg.CallTimeout),
		store:     smartcharging.NewProfileStore(),
		logs:      NewLogRing(),
		sink:      sink,
		validate:  validator.New(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		price:     cfg.Price,
	}
	s.registerHandlers()
	s.logs.Append("Station initialized")
	return s
}

// StationID 站点标识
func (s *Session) StationID() string {
	return s.stationID
}

// ProfileName 行为档案名称
func (s *Session) ProfileName() string {
	return s.profile.Name
}

// Logs 返回日志环快照
func (s *Session) Logs() []string {
	return s.logs.Entries()
}

// SetPrice 更新会话可见的电价快照
func (s *Session) SetPrice(price float64) {
	s.mu.Lock()
	s.price = price
	s.mu.Unlock()
}

func (s *Session) currentPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

// ProfileStore 配置文件存储，测试与控制面检查用
func (s *Session) ProfileStore() *smartcharging.ProfileStore {
	return s.store
}

// Run 驱动会话直至连接关闭或ctx取消。启动顺序：接收循环、
// 启动通知与状态通知、心跳循环、交易循环。
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.client.Run(ctx)
	}()

	if err := s.boot(ctx); err != nil {
		s.log.ErrorWithErr(err, "Boot sequence failed")
		s.client.Close()
		<-recvErr
		return err
	}

	go s.heartbeatLoop(ctx)

	txDone := make(chan struct{})
	go func() {
		defer close(txDone)
		s.transactionLoop(ctx)
	}()

	select {
	case err := <-recvErr:
		// 交易循环可能还在离线暂停中，站点在暂停结束前保持占用
		<-txDone
		s.logs.Append("Station shutting down")
		return err
	case <-ctx.Done():
		s.logs.Append("Station shutting down")
		s.client.Close()
		<-recvErr
		<-txDone
		return nil
	}
}

// Close 主动关闭底层连接
func (s *Session) Close() error {
	return s.client.Close()
}

// boot 发送BootNotification与初始StatusNotification
func (s *Session) boot(ctx context.Context) error {
	s.logs.Append("BootNotification sent")
	var bootResp ocpp16.BootNotificationResponse
	err := s.call(ctx, ocpp16.ActionBootNotification, &ocpp16.BootNotificationRequest{
		ChargePointVendor: chargePointVendor,
		ChargePointModel:  chargePointModel,
	}, &bootResp)
	if err != nil {
		return err
	}
	if bootResp.Status != ocpp16.RegistrationStatusAccepted {
		s.log.Warnf("Not accepted by CSMS: %s", bootResp.Status)
		s.logs.Appendf("BootNotification rejected: %s", bootResp.Status)
	} else {
		s.logs.Append("BootNotification accepted")
	}

	now := ocpp16.DateTime{Time: time.Now().UTC()}
	err = s.call(ctx, ocpp16.ActionStatusNotification, &ocpp16.StatusNotificationRequest{
		ConnectorId: transactionConnectorID,
		ErrorCode:   ocpp16.ChargePointErrorCodeNoError,
		Status:      ocpp16.ChargePointStatusAvailable,
		Timestamp:   &now,
	}, &ocpp16.StatusNotificationResponse{})
	if err != nil {
		return err
	}
	s.logs.Append("Connector available")
	return nil
}

// heartbeatLoop 周期性发送心跳
func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.profile.HeartbeatInterval) * time.Second
	for {
		if !s.sleep(ctx, interval) {
			return
		}
		var resp ocpp16.HeartbeatResponse
		if err := s.call(ctx, ocpp16.ActionHeartbeat, &ocpp16.HeartbeatRequest{}, &resp); err != nil {
			// 心跳失败即终止会话，不留下没有心跳的半活连接
			s.log.Warnf("Heartbeat failed: %v", err)
			s.client.Close()
			return
		}
		s.log.Debugf("Heartbeat -> %s", resp.CurrentTime.Format(time.RFC3339))
		s.logs.Append("Heartbeat sent")
	}
}

// transactionLoop 自动交易循环：空闲、策略闸门、掉线掷骰，
// 然后执行一次完整的充电交易。
func (s *Session) transactionLoop(ctx context.Context) {
	if !s.profile.EnableTransactions {
		s.log.Info("Transactions disabled by profile")
		return
	}

	for {
		idle := s.randRange(s.profile.IdleMin, s.profile.IdleMax)
		s.log.Infof("Waiting %ds before new session", idle)
		if !s.sleep(ctx, time.Duration(idle)*time.Second) {
			return
		}

		decision := policy.Evaluate(policy.StationState{}, s.policyConfig(), s.policyEnv())
		if decision.Action != policy.ActionCharge {
			s.log.Infof("Charging blocked: %s", decision.Reason)
			s.logs.Appendf("%s, waiting", decision.Reason)
			if !s.sleep(ctx, blockedRetryInterval) {
				return
			}
			continue
		}

		if s.rng.Float64() < s.profile.OfflineProbability {
			s.log.Info("Simulating offline period")
			s.logs.Append("Going offline")
			s.client.Close()
			// 连接已关闭，离线期用独立计时器等待
			offline := time.NewTimer(time.Duration(s.profile.OfflineDuration) * time.Second)
			defer offline.Stop()
			select {
			case <-offline.C:
			case <-ctx.Done():
			}
			return
		}

		if err := s.runTransaction(ctx); err != nil {
			s.log.ErrorWithErr(err, "Transaction aborted")
			s.client.Close()
			return
		}
	}
}

// runTransaction 执行一次 授权、开始、计量循环、停止 的完整交易
func (s *Session) runTransaction(ctx context.Context) error {
	idTag := s.profile.IdTags[s.rng.Intn(len(s.profile.IdTags))]

	var authResp ocpp16.AuthorizeResponse
	if err := s.call(ctx, ocpp16.ActionAuthorize, &ocpp16.AuthorizeRequest{IdTag: idTag}, &authResp); err != nil {
		return err
	}
	if authResp.IdTagInfo.Status == ocpp16.AuthorizationStatusAccepted {
		s.logs.Appendf("Authorization successful: %s", idTag)
	} else {
		s.logs.Appendf("Authorization failed: %s (%s)", idTag, authResp.IdTagInfo.Status)
	}

	price := s.currentPrice()
	var startResp ocpp16.StartTransactionResponse
	err := s.call(ctx, ocpp16.ActionStartTransaction, &ocpp16.StartTransactionRequest{
		ConnectorId: transactionConnectorID,
		IdTag:       idTag,
		MeterStart:  0,
		Timestamp:   ocpp16.DateTime{Time: time.Now().UTC()},
	}, &startResp)
	if err != nil {
		return err
	}
	metrics.TransactionsStarted.Inc()

	txID := startResp.TransactionId
	if txID == 0 {
		txID = 1000 + s.rng.Intn(9000)
		s.log.Warnf("Missing transactionId in StartTransaction.conf, using fabricated %d", txID)
	}
	txStart := time.Now().UTC()
	s.setTransaction(&txID, &txStart)
	defer s.setTransaction(nil, nil)

	s.logs.Appendf("Charging started (price: %.2f, idTag: %s)", price, idTag)

	energyWh := 0.0
	maxEnergyWh := s.profile.MaxEnergyKwh * 1000

	iterations := s.randRange(3, 8)
	for i := 0; i < iterations; i++ {
		intervalSeconds := s.randRange(s.profile.SampleIntervalMin, s.profile.SampleIntervalMax)
		if !s.sleep(ctx, time.Duration(intervalSeconds)*time.Second) {
			return ctx.Err()
		}

		step, stop := s.nextEnergyStep(energyWh, maxEnergyWh, intervalSeconds)
		if stop {
			break
		}

		energyWh += step
		if energyWh >= maxEnergyWh {
			energyWh = maxEnergyWh
		}

		measurand := ocpp16.MeasurandEnergyActiveImportRegister
		unit := ocpp16.UnitOfMeasureWh
		err := s.call(ctx, ocpp16.ActionMeterValues, &ocpp16.MeterValuesRequest{
			ConnectorId:   transactionConnectorID,
			TransactionId: &txID,
			MeterValue: []ocpp16.MeterValue{{
				Timestamp: ocpp16.DateTime{Time: time.Now().UTC()},
				SampledValue: []ocpp16.SampledValue{{
					Value:     formatWh(energyWh),
					Measurand: &measurand,
					Unit:      &unit,
				}},
			}},
		}, &ocpp16.MeterValuesResponse{})
		if err != nil {
			return err
		}
		metrics.MeterValuesSent.Inc()
		s.log.Infof("MeterValues(%.1f kWh) sent", energyWh/1000)

		if energyWh >= maxEnergyWh {
			break
		}
	}

	err = s.call(ctx, ocpp16.ActionStopTransaction, &ocpp16.StopTransactionRequest{
		IdTag:         &idTag,
		MeterStop:     int(energyWh),
		Timestamp:     ocpp16.DateTime{Time: time.Now().UTC()},
		TransactionId: txID,
	}, &ocpp16.StopTransactionResponse{})
	if err != nil {
		return err
	}
	metrics.EnergyDispensedWh.Add(energyWh)
	s.logs.Appendf("Charging stopped (%.2f kWh delivered)", energyWh/1000)
	return nil
}

// nextEnergyStep 计算本次采样的能量步进。OCPP配置文件限制绝对
// 优先；无限制时回落到策略引擎的Wh精度判定。
func (s *Session) nextEnergyStep(energyWh, maxEnergyWh float64, intervalSeconds int) (step float64, stop bool) {
	baseStep := float64(s.randRange(s.profile.EnergyStepMin, s.profile.EnergyStepMax))

	s.mu.Lock()
	txID := s.currentTxID
	txStart := s.txStart
	s.mu.Unlock()

	limitW, ok := s.store.CurrentLimit(transactionConnectorID, time.Now().UTC(), txID, txStart)
	if ok {
		maxStepWh := limitW * float64(intervalSeconds) / 3600
		step = math.Min(baseStep, maxStepWh)
		if step < baseStep {
			s.log.Infof("OCPP profile limiting charge to %.0fW (step reduced from %.0f to %.0f Wh)",
				limitW, baseStep, step)
			s.logs.Appendf("OCPP limit: %.0fW, %.0f Wh this interval", limitW, step)
			description := "limit " + strconv.FormatFloat(limitW, 'f', 0, 64) + " W applied"
			if txID != nil {
				description += " to transaction " + strconv.Itoa(*txID)
			}
			s.publishEvent(events.KindLimitApplied, description)
		}
		return step, false
	}

	decision := policy.EvaluateMeterTick(policy.StationState{
		EnergyDispensedKwh: energyWh / 1000,
		Charging:           true,
		SessionActive:      true,
	}, s.policyConfig(), s.policyEnv(), int(energyWh), int(maxEnergyWh))
	if decision.Action == policy.TickStop {
		s.log.Infof("Policy stopping transaction: %s", decision.Reason)
		s.logs.Appendf("%s, stopping", decision.Reason)
		return 0, true
	}

	cfg := s.policyConfig()
	if cfg.AllowPeakHours && policy.IsPeakHour(cfg, s.policyEnv().Hour) {
		step = math.Max(baseStep*0.5, 10)
		s.log.Infof("Peak hour reduction (step reduced from %.0f to %.0f Wh)", baseStep, step)
		return step, false
	}
	return baseStep, false
}

func (s *Session) setTransaction(txID *int, txStart *time.Time) {
	s.mu.Lock()
	s.currentTxID = txID
	s.txStart = txStart
	s.mu.Unlock()
}

func (s *Session) policyConfig() policy.Config {
	return policy.Config{
		ChargeIfPriceBelow: s.profile.ChargeIfPriceBelow,
		MaxEnergyKwh:       s.profile.MaxEnergyKwh,
		AllowPeakHours:     s.profile.AllowPeakHours,
		PeakHours:          s.profile.PeakHours,
	}
}

func (s *Session) policyEnv() policy.Env {
	return policy.Env{
		CurrentPrice: s.currentPrice(),
		Hour:         time.Now().UTC().Hour(),
	}
}

// call 发送出站调用并记录指标
func (s *Session) call(ctx context.Context, action ocpp16.Action, payload, result interface{}) error {
	err := s.client.Call(ctx, action, payload, result)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.OutboundCalls.WithLabelValues(string(action), outcome).Inc()
	return err
}

// sleep 可取消的休眠，连接关闭或ctx取消时返回false
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.client.Closed():
		return false
	}
}

// randRange [min, max]区间的均匀随机整数
func (s *Session) randRange(min, max int) int {
	if max <= min {
		return min
	}
	return min + s.rng.Intn(max-min+1)
}

func (s *Session) publishEvent(kind, description string) {
	err := s.sink.Publish(events.Record{
		Timestamp:   time.Now().UTC(),
		StationID:   s.stationID,
		Kind:        kind,
		Description: description,
	})
	if err != nil {
		s.log.Warnf("Failed to publish event: %v", err)
	}
}

// formatWh 以十进制字符串编码Wh读数
func formatWh(wh float64) string {
	return strconv.FormatFloat(wh, 'f', -1, 64)
}
