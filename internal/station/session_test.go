package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/logger"
)

// pipeConn 内存中的帧通道，两端共享关闭信号
type pipeConn struct {
	recv chan []byte
	send chan []byte
	done chan struct{}
	once *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{recv: bToA, send: aToB, done: done, once: once}
	b := &pipeConn{recv: aToB, send: bToA, done: done, once: once}
	return a, b
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.recv:
		return data, nil
	case <-p.done:
		return nil, errors.New("pipe closed")
	}
}

func (p *pipeConn) WriteFrame(data []byte) error {
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return errors.New("pipe closed")
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// stubCall 中央系统侧观察到的站点出站调用
type stubCall struct {
	Action  string
	Payload json.RawMessage
}

// csmsStub 最小的中央系统桩：自动应答站点的出站调用，记录动作，
// 并把站点对入站CALL的响应帧转交给测试
type csmsStub struct {
	conn      *pipeConn
	calls     chan stubCall
	responses chan []json.RawMessage
	drop      map[string]bool
}

// runStub 启动桩。drop中的动作只被记录，不会得到应答。
func runStub(conn *pipeConn, drop ...string) *csmsStub {
	stub := &csmsStub{
		conn:      conn,
		calls:     make(chan stubCall, 64),
		responses: make(chan []json.RawMessage, 16),
		drop:      make(map[string]bool),
	}
	for _, action := range drop {
		stub.drop[action] = true
	}
	go stub.loop()
	return stub
}

func (s *csmsStub) loop() {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		var elements []json.RawMessage
		if err := json.Unmarshal(data, &elements); err != nil || len(elements) < 3 {
			continue
		}
		var msgType int
		if err := json.Unmarshal(elements[0], &msgType); err != nil {
			continue
		}
		if msgType != 2 {
			s.responses <- elements
			continue
		}

		var id, action string
		_ = json.Unmarshal(elements[1], &id)
		_ = json.Unmarshal(elements[2], &action)
		s.calls <- stubCall{Action: action, Payload: elements[3]}
		if s.drop[action] {
			continue
		}
		_ = s.conn.WriteFrame([]byte(fmt.Sprintf(`[3,%q,%s]`, id, stubResponse(action))))
	}
}

func stubResponse(action string) string {
	switch action {
	case "BootNotification":
		return `{"status":"Accepted","currentTime":"2026-01-08T10:00:00Z","interval":300}`
	case "Heartbeat":
		return `{"currentTime":"2026-01-08T10:00:00Z"}`
	case "Authorize", "StartTransaction":
		resp := `{"idTagInfo":{"status":"Accepted"}}`
		if action == "StartTransaction" {
			resp = `{"idTagInfo":{"status":"Accepted"},"transactionId":77}`
		}
		return resp
	default:
		return `{}`
	}
}

// waitForCall 等待站点发出指定动作
func (s *csmsStub) waitForCall(t *testing.T, action string) stubCall {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case call := <-s.calls:
			if call.Action == action {
				return call
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", action)
		}
	}
}

// sendCall 向站点下发CALL并返回其响应帧
func (s *csmsStub) sendCall(t *testing.T, id, action, payload string) []json.RawMessage {
	t.Helper()
	frame := fmt.Sprintf(`[2,%q,%q,%s]`, id, action, payload)
	require.NoError(t, s.conn.WriteFrame([]byte(frame)))

	select {
	case elements := <-s.responses:
		return elements
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for response to %s", action)
		return nil
	}
}

func quietProfile() Profile {
	p := baseProfile("test")
	p.EnableTransactions = false
	p.HeartbeatInterval = 3600
	return p
}

// startSession 启动会话并等待启动序列完成
func startSession(t *testing.T, profile Profile) (*Session, *csmsStub) {
	t.Helper()

	stationEnd, csmsEnd := newPipe()
	session := NewSession(SessionConfig{
		StationID:   "PY-SIM-0001",
		Profile:     profile,
		Price:       10.0,
		CallTimeout: 5 * time.Second,
		Logger:      logger.Nop(),
	}, stationEnd)

	stub := runStub(csmsEnd)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		session.Close()
	})

	stub.waitForCall(t, "BootNotification")
	stub.waitForCall(t, "StatusNotification")
	return session, stub
}

func responseStatus(t *testing.T, elements []json.RawMessage) string {
	t.Helper()
	require.Len(t, elements, 3)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(elements[2], &resp))
	return resp.Status
}

const validProfilePayload = `{
	"connectorId": 1,
	"csChargingProfiles": {
		"chargingProfileId": 1,
		"stackLevel": 0,
		"chargingProfilePurpose": "TxDefaultProfile",
		"chargingProfileKind": "Absolute",
		"chargingSchedule": {
			"chargingRateUnit": "W",
			"startSchedule": "2020-01-01T00:00:00Z",
			"chargingSchedulePeriod": [{"startPeriod": 0, "limit": 11000}]
		}
	}
}`

func TestSession_SetChargingProfileAccepted(t *testing.T) {
	session, stub := startSession(t, quietProfile())

	elements := stub.sendCall(t, "sp-1", "SetChargingProfile", validProfilePayload)
	assert.Equal(t, "Accepted", responseStatus(t, elements))

	stored := session.ProfileStore().ListForConnector(1)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].ID)
}

func TestSession_SetChargingProfileRejectedOnParseError(t *testing.T) {
	_, stub := startSession(t, quietProfile())

	payload := `{"connectorId": 1, "csChargingProfiles": {"chargingProfileId": 1, "stackLevel": 0}}`
	elements := stub.sendCall(t, "sp-2", "SetChargingProfile", payload)
	assert.Equal(t, "Rejected", responseStatus(t, elements))
}

func TestSession_SetChargingProfileRejectedOnStackConflict(t *testing.T) {
	_, stub := startSession(t, quietProfile())

	elements := stub.sendCall(t, "sp-3", "SetChargingProfile", validProfilePayload)
	require.Equal(t, "Accepted", responseStatus(t, elements))

	// 同一(purpose, stackLevel)、不同id
	conflicting := `{
		"connectorId": 1,
		"csChargingProfiles": {
			"chargingProfileId": 2,
			"stackLevel": 0,
			"chargingProfilePurpose": "TxDefaultProfile",
			"chargingProfileKind": "Absolute",
			"chargingSchedule": {
				"chargingRateUnit": "W",
				"startSchedule": "2020-01-01T00:00:00Z",
				"chargingSchedulePeriod": [{"startPeriod": 0, "limit": 7000}]
			}
		}
	}`
	elements = stub.sendCall(t, "sp-4", "SetChargingProfile", conflicting)
	assert.Equal(t, "Rejected", responseStatus(t, elements))
}

func TestSession_GetCompositeSchedule(t *testing.T) {
	_, stub := startSession(t, quietProfile())

	// 没有配置文件时拒绝
	elements := stub.sendCall(t, "cs-1", "GetCompositeSchedule", `{"connectorId": 1, "duration": 30}`)
	assert.Equal(t, "Rejected", responseStatus(t, elements))

	require.Equal(t, "Accepted",
		responseStatus(t, stub.sendCall(t, "cs-2", "SetChargingProfile", validProfilePayload)))

	elements = stub.sendCall(t, "cs-3", "GetCompositeSchedule", `{"connectorId": 1, "duration": 30}`)
	require.Len(t, elements, 3)
	var resp ocpp16.GetCompositeScheduleResponse
	require.NoError(t, json.Unmarshal(elements[2], &resp))
	assert.Equal(t, ocpp16.GetCompositeScheduleStatusAccepted, resp.Status)
	require.NotNil(t, resp.ChargingSchedule)
	require.Len(t, resp.ChargingSchedule.ChargingSchedulePeriod, 1)
	assert.Equal(t, 11000.0, resp.ChargingSchedule.ChargingSchedulePeriod[0].Limit)
	assert.NotNil(t, resp.ScheduleStart)
}

func TestSession_ClearChargingProfile(t *testing.T) {
	session, stub := startSession(t, quietProfile())

	require.Equal(t, "Accepted",
		responseStatus(t, stub.sendCall(t, "cl-1", "SetChargingProfile", validProfilePayload)))

	// connectorId=0在OCPP边界上表示作用于全部连接器
	elements := stub.sendCall(t, "cl-2", "ClearChargingProfile", `{"connectorId": 0}`)
	assert.Equal(t, "Accepted", responseStatus(t, elements))
	assert.Empty(t, session.ProfileStore().ListForConnector(1))

	// 再次清除已无可匹配项
	elements = stub.sendCall(t, "cl-3", "ClearChargingProfile", `{"connectorId": 0}`)
	assert.Equal(t, "Unknown", responseStatus(t, elements))
}

func TestSession_RemoteControlHandlers(t *testing.T) {
	_, stub := startSession(t, quietProfile())

	assert.Equal(t, "Accepted",
		responseStatus(t, stub.sendCall(t, "rc-1", "Reset", `{"type":"Soft"}`)))
	assert.Equal(t, "Accepted",
		responseStatus(t, stub.sendCall(t, "rc-2", "RemoteStartTransaction", `{"idTag":"ABC123","connectorId":1}`)))
	assert.Equal(t, "Accepted",
		responseStatus(t, stub.sendCall(t, "rc-3", "RemoteStopTransaction", `{"transactionId":77}`)))
}

func TestSession_TransactionLifecycle(t *testing.T) {
	profile := baseProfile("test")
	profile.HeartbeatInterval = 3600
	profile.IdleMin = 0
	profile.IdleMax = 0
	profile.SampleIntervalMin = 0
	profile.SampleIntervalMax = 0
	profile.ChargeIfPriceBelow = 100.0
	profile.AllowPeakHours = true

	_, stub := startSession(t, profile)

	stub.waitForCall(t, "Authorize")
	start := stub.waitForCall(t, "StartTransaction")

	var startReq ocpp16.StartTransactionRequest
	require.NoError(t, json.Unmarshal(start.Payload, &startReq))
	assert.Equal(t, 1, startReq.ConnectorId)
	assert.Equal(t, 0, startReq.MeterStart)

	// 计量读数单调不减，交易以StopTransaction收尾
	lastWh := -1.0
	deadline := time.After(10 * time.Second)
	for {
		var call stubCall
		select {
		case call = <-stub.calls:
		case <-deadline:
			t.Fatal("timed out waiting for StopTransaction")
		}

		switch call.Action {
		case "MeterValues":
			var req ocpp16.MeterValuesRequest
			require.NoError(t, json.Unmarshal(call.Payload, &req))
			require.NotNil(t, req.TransactionId)
			assert.Equal(t, 77, *req.TransactionId)
			require.Len(t, req.MeterValue, 1)
			require.Len(t, req.MeterValue[0].SampledValue, 1)
			wh, err := strconv.ParseFloat(req.MeterValue[0].SampledValue[0].Value, 64)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, wh, lastWh)
			lastWh = wh
		case "StopTransaction":
			var req ocpp16.StopTransactionRequest
			require.NoError(t, json.Unmarshal(call.Payload, &req))
			assert.Equal(t, 77, req.TransactionId)
			assert.LessOrEqual(t, float64(req.MeterStop), profile.MaxEnergyKwh*1000)
			return
		}
	}
}

func TestSession_TransactionsDisabled(t *testing.T) {
	session, stub := startSession(t, quietProfile())

	// 交易关闭的档案不应发起Authorize
	select {
	case call := <-stub.calls:
		t.Fatalf("unexpected call %s", call.Action)
	case <-time.After(200 * time.Millisecond):
	}
	assert.NotEmpty(t, session.Logs())
}

func TestSession_SetPrice(t *testing.T) {
	session, _ := startSession(t, quietProfile())

	session.SetPrice(42.5)
	assert.Equal(t, 42.5, session.currentPrice())
}

// 中央系统停止应答心跳时，超时必须终止整个会话，
// 不能留下心跳停摆而交易照跑的半活连接
func TestSession_HeartbeatTimeoutTerminatesSession(t *testing.T) {
	profile := quietProfile()
	profile.HeartbeatInterval = 1

	stationEnd, csmsEnd := newPipe()
	session := NewSession(SessionConfig{
		StationID:   "PY-SIM-0001",
		Profile:     profile,
		Price:       10.0,
		CallTimeout: 200 * time.Millisecond,
		Logger:      logger.Nop(),
	}, stationEnd)

	stub := runStub(csmsEnd, "Heartbeat")

	done := make(chan struct{})
	go func() {
		_ = session.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() { _ = session.Close() })

	stub.waitForCall(t, "BootNotification")
	stub.waitForCall(t, "StatusNotification")
	stub.waitForCall(t, "Heartbeat")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running after heartbeat timeout")
	}
}

// 离线模拟关闭连接后，会话在离线期结束前不得返回
func TestSession_OfflinePauseDelaysShutdown(t *testing.T) {
	profile := baseProfile("test")
	profile.HeartbeatInterval = 3600
	profile.IdleMin = 0
	profile.IdleMax = 0
	profile.OfflineProbability = 1.0
	profile.OfflineDuration = 1

	stationEnd, csmsEnd := newPipe()
	session := NewSession(SessionConfig{
		StationID:   "PY-SIM-0001",
		Profile:     profile,
		Price:       10.0,
		CallTimeout: 5 * time.Second,
		Logger:      logger.Nop(),
	}, stationEnd)

	stub := runStub(csmsEnd)

	start := time.Now()
	done := make(chan struct{})
	go func() {
		_ = session.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() { _ = session.Close() })

	stub.waitForCall(t, "BootNotification")

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop after offline pause")
	}
}

// 停止后线路必须保持静默，不再出现任何出站帧
func TestSession_NoFramesAfterStop(t *testing.T) {
	profile := baseProfile("test")
	profile.HeartbeatInterval = 1
	profile.IdleMin = 0
	profile.IdleMax = 0
	profile.SampleIntervalMin = 0
	profile.SampleIntervalMax = 0

	stationEnd, csmsEnd := newPipe()
	session := NewSession(SessionConfig{
		StationID:   "PY-SIM-0001",
		Profile:     profile,
		Price:       10.0,
		CallTimeout: 5 * time.Second,
		Logger:      logger.Nop(),
	}, stationEnd)

	stub := runStub(csmsEnd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() { _ = session.Close() })

	stub.waitForCall(t, "BootNotification")
	stub.waitForCall(t, "StatusNotification")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}

	// 放空停机前已在途的帧
	time.Sleep(100 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case <-stub.calls:
		default:
			drained = true
		}
	}

	select {
	case call := <-stub.calls:
		t.Fatalf("outbound call after stop: %s", call.Action)
	case <-time.After(300 * time.Millisecond):
	}
}
