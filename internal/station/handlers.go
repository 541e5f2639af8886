package station

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/domain/smartcharging"
	"github.com/charging-platform/station-simulator/internal/events"
	"github.com/charging-platform/station-simulator/internal/metrics"
	"github.com/charging-platform/station-simulator/internal/transport/ocppj"
)

// registerHandlers 注册CSMS下发动作的处理函数。处理函数在接收
// 循环上运行，对配置文件存储的读写经由其内部锁串行化。
func (s *Session) registerHandlers() {
	s.client.Handle(ocpp16.ActionReset, s.onReset)
	s.client.Handle(ocpp16.ActionRemoteStartTransaction, s.onRemoteStart)
	s.client.Handle(ocpp16.ActionRemoteStopTransaction, s.onRemoteStop)
	s.client.Handle(ocpp16.ActionSetChargingProfile, s.onSetChargingProfile)
	s.client.Handle(ocpp16.ActionGetCompositeSchedule, s.onGetCompositeSchedule)
	s.client.Handle(ocpp16.ActionClearChargingProfile, s.onClearChargingProfile)
}

// decode 解码入站载荷并做结构校验
func (s *Session) decode(payload json.RawMessage, v interface{}) *ocppj.CallError {
	if err := json.Unmarshal(payload, v); err != nil {
		return &ocppj.CallError{Code: "FormationViolation", Description: err.Error()}
	}
	if err := s.validate.Struct(v); err != nil {
		return &ocppj.CallError{Code: "FormationViolation", Description: err.Error()}
	}
	return nil
}

func (s *Session) onReset(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req ocpp16.ResetRequest
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	s.log.Infof("Received Reset request: type=%s", req.Type)
	s.logs.Appendf("Reset requested (%s)", req.Type)
	return &ocpp16.ResetResponse{Status: ocpp16.ResetStatusAccepted}, nil
}

func (s *Session) onRemoteStart(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req ocpp16.RemoteStartTransactionRequest
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	// 自动交易循环持续驱动交易，这里仅确认
	s.log.Infof("RemoteStartTransaction for tag %s", req.IdTag)
	s.logs.Appendf("RemoteStartTransaction acknowledged (%s)", req.IdTag)
	return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

func (s *Session) onRemoteStop(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req ocpp16.RemoteStopTransactionRequest
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	s.mu.Lock()
	active := s.currentTxID != nil && *s.currentTxID == req.TransactionId
	s.mu.Unlock()

	s.log.Infof("RemoteStopTransaction for tx %d (active=%t)", req.TransactionId, active)
	s.logs.Appendf("RemoteStopTransaction acknowledged (tx %d)", req.TransactionId)
	return &ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

// onSetChargingProfile 解析、校验并存储充电配置文件。任何解析、
// 校验或栈冲突失败都以Rejected应答，不会中断会话。
func (s *Session) onSetChargingProfile(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req struct {
		ConnectorId        int                    `json:"connectorId" validate:"min=0"`
		CsChargingProfiles map[string]interface{} `json:"csChargingProfiles" validate:"required"`
	}
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}

	profile, err := smartcharging.Parse(req.CsChargingProfiles)
	if err != nil {
		s.log.Warnf("SetChargingProfile rejected: %v", err)
		s.logs.Appendf("SetChargingProfile rejected: %v", err)
		metrics.ProfilesRejected.Inc()
		return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}, nil
	}

	if err := s.store.Add(req.ConnectorId, profile); err != nil {
		s.log.Warnf("SetChargingProfile rejected: %v", err)
		s.logs.Appendf("SetChargingProfile rejected: %v", err)
		metrics.ProfilesRejected.Inc()
		return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}, nil
	}

	s.log.Infof("SetChargingProfile accepted: profile %d on connector %d", profile.ID, req.ConnectorId)
	s.logs.Appendf("SetChargingProfile accepted: profile %d (purpose=%s, stackLevel=%d)",
		profile.ID, profile.Purpose, profile.StackLevel)
	metrics.ProfilesAccepted.Inc()
	s.publishEvent(events.KindProfileAccepted,
		"profile "+strconv.Itoa(profile.ID)+" stored on connector "+strconv.Itoa(req.ConnectorId))
	return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusAccepted}, nil
}

// onGetCompositeSchedule 计算合成计划，无适用配置文件时Rejected
func (s *Session) onGetCompositeSchedule(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req ocpp16.GetCompositeScheduleRequest
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}

	unit := ocpp16.ChargingRateUnitW
	if req.ChargingRateUnit != nil {
		unit = *req.ChargingRateUnit
	}

	now := time.Now().UTC()
	schedule := s.store.CompositeSchedule(req.ConnectorId, req.Duration, unit, now)
	if schedule == nil {
		s.log.Infof("GetCompositeSchedule rejected: no profiles for connector %d", req.ConnectorId)
		s.logs.Appendf("GetCompositeSchedule rejected: no profiles for connector %d", req.ConnectorId)
		return &ocpp16.GetCompositeScheduleResponse{Status: ocpp16.GetCompositeScheduleStatusRejected}, nil
	}

	s.log.Infof("GetCompositeSchedule accepted: %d periods for connector %d",
		len(schedule.Periods), req.ConnectorId)
	s.logs.Appendf("GetCompositeSchedule: %d periods for %ds on connector %d",
		len(schedule.Periods), req.Duration, req.ConnectorId)

	connectorID := req.ConnectorId
	start := ocpp16.DateTime{Time: now}
	return &ocpp16.GetCompositeScheduleResponse{
		Status:           ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorID,
		ScheduleStart:    &start,
		ChargingSchedule: schedule.Wire(),
	}, nil
}

// onClearChargingProfile AND语义的条件清除。OCPP边界上
// connectorId缺失或为0表示作用于全部连接器。
func (s *Session) onClearChargingProfile(payload json.RawMessage) (interface{}, *ocppj.CallError) {
	var req ocpp16.ClearChargingProfileRequest
	if callErr := s.decode(payload, &req); callErr != nil {
		return nil, callErr
	}

	filter := smartcharging.ClearFilter{
		ProfileID:  req.Id,
		Purpose:    req.ChargingProfilePurpose,
		StackLevel: req.StackLevel,
	}

	var removed int
	if req.ConnectorId == nil || *req.ConnectorId == 0 {
		removed = s.store.ClearAll(filter)
	} else {
		removed = s.store.Clear(*req.ConnectorId, filter)
	}

	s.log.Infof("ClearChargingProfile: cleared %d profiles", removed)
	s.logs.Appendf("ClearChargingProfile: cleared %d profiles", removed)

	if removed > 0 {
		return &ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusAccepted}, nil
	}
	return &ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusUnknown}, nil
}
