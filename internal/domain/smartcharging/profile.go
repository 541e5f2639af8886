package smartcharging

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// Period 充电计划周期，不可变
type Period struct {
	StartPeriod  int
	Limit        float64
	NumberPhases *int
}

// Schedule 充电计划
type Schedule struct {
	RateUnit ocpp16.ChargingRateUnit
	Periods  []Period
	Duration *int
	Start    *time.Time
	MinRate  *float64
}

// Profile 充电配置文件的内部表示
type Profile struct {
	ID            int
	StackLevel    int
	Purpose       ocpp16.ChargingProfilePurpose
	Kind          ocpp16.ChargingProfileKind
	Recurrency    *ocpp16.RecurrencyKind
	ValidFrom     *time.Time
	ValidTo       *time.Time
	TransactionID *int
	Schedule      Schedule
}

// ParseJSON 解析OCPP JSON格式的充电配置文件
func ParseJSON(data []byte) (*Profile, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidShape("csChargingProfiles", "not a JSON object")
	}
	return Parse(raw)
}

// Parse 从未类型化的JSON字典解析充电配置文件
func Parse(raw map[string]interface{}) (*Profile, error) {
	p := &Profile{}

	id, err := requireInt(raw, "chargingProfileId")
	if err != nil {
		return nil, err
	}
	p.ID = id

	stack, err := requireInt(raw, "stackLevel")
	if err != nil {
		return nil, err
	}
	p.StackLevel = stack

	purpose, err := requireString(raw, "chargingProfilePurpose")
	if err != nil {
		return nil, err
	}
	switch ocpp16.ChargingProfilePurpose(purpose) {
	case ocpp16.ChargingProfilePurposeChargePointMaxProfile,
		ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ocpp16.ChargingProfilePurposeTxProfile:
		p.Purpose = ocpp16.ChargingProfilePurpose(purpose)
	default:
		return nil, invalidEnum("chargingProfilePurpose", purpose)
	}

	kind, err := requireString(raw, "chargingProfileKind")
	if err != nil {
		return nil, err
	}
	switch ocpp16.ChargingProfileKind(kind) {
	case ocpp16.ChargingProfileKindAbsolute,
		ocpp16.ChargingProfileKindRecurring,
		ocpp16.ChargingProfileKindRelative:
		p.Kind = ocpp16.ChargingProfileKind(kind)
	default:
		return nil, invalidEnum("chargingProfileKind", kind)
	}

	if v, ok := raw["recurrencyKind"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, invalidShape("recurrencyKind", "expected string")
		}
		rk := ocpp16.RecurrencyKind(s)
		if rk != ocpp16.RecurrencyKindDaily && rk != ocpp16.RecurrencyKindWeekly {
			return nil, invalidEnum("recurrencyKind", s)
		}
		p.Recurrency = &rk
	}

	if t, err := optTime(raw, "validFrom"); err != nil {
		return nil, err
	} else {
		p.ValidFrom = t
	}
	if t, err := optTime(raw, "validTo"); err != nil {
		return nil, err
	} else {
		p.ValidTo = t
	}

	if v, ok := raw["transactionId"]; ok && v != nil {
		tx, err := toInt(v, "transactionId")
		if err != nil {
			return nil, err
		}
		p.TransactionID = &tx
	}

	schedRaw, ok := raw["chargingSchedule"]
	if !ok || schedRaw == nil {
		return nil, missingField("chargingSchedule")
	}
	schedMap, ok := schedRaw.(map[string]interface{})
	if !ok {
		return nil, invalidShape("chargingSchedule", "expected object")
	}
	sched, err := parseSchedule(schedMap)
	if err != nil {
		return nil, err
	}
	p.Schedule = *sched

	return p, nil
}

func parseSchedule(raw map[string]interface{}) (*Schedule, error) {
	s := &Schedule{}

	unit, err := requireString(raw, "chargingSchedule.chargingRateUnit", "chargingRateUnit")
	if err != nil {
		return nil, err
	}
	ru := ocpp16.ChargingRateUnit(unit)
	if ru != ocpp16.ChargingRateUnitW && ru != ocpp16.ChargingRateUnitA {
		return nil, invalidEnum("chargingSchedule.chargingRateUnit", unit)
	}
	s.RateUnit = ru

	periodsRaw, ok := raw["chargingSchedulePeriod"]
	if !ok || periodsRaw == nil {
		return nil, missingField("chargingSchedule.chargingSchedulePeriod")
	}
	periodsList, ok := periodsRaw.([]interface{})
	if !ok {
		return nil, invalidShape("chargingSchedule.chargingSchedulePeriod", "expected array")
	}
	if len(periodsList) == 0 {
		return nil, invalidShape("chargingSchedule.chargingSchedulePeriod", "must not be empty")
	}
	for i, item := range periodsList {
		path := fmt.Sprintf("chargingSchedule.chargingSchedulePeriod[%d]", i)
		pm, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalidShape(path, "expected object")
		}
		startRaw, ok := pm["startPeriod"]
		if !ok || startRaw == nil {
			return nil, missingField(path + ".startPeriod")
		}
		start, err := toInt(startRaw, path+".startPeriod")
		if err != nil {
			return nil, err
		}
		limitRaw, ok := pm["limit"]
		if !ok || limitRaw == nil {
			return nil, missingField(path + ".limit")
		}
		limit, ok := limitRaw.(float64)
		if !ok {
			return nil, invalidShape(path+".limit", "expected number")
		}
		period := Period{StartPeriod: start, Limit: limit}
		if npRaw, ok := pm["numberPhases"]; ok && npRaw != nil {
			np, err := toInt(npRaw, path+".numberPhases")
			if err != nil {
				return nil, err
			}
			period.NumberPhases = &np
		}
		s.Periods = append(s.Periods, period)
	}

	if v, ok := raw["duration"]; ok && v != nil {
		d, err := toInt(v, "chargingSchedule.duration")
		if err != nil {
			return nil, err
		}
		s.Duration = &d
	}
	if t, err := optTime(raw, "startSchedule", "chargingSchedule.startSchedule"); err != nil {
		return nil, err
	} else {
		s.Start = t
	}
	if v, ok := raw["minChargingRate"]; ok && v != nil {
		f, ok := v.(float64)
		if !ok {
			return nil, invalidShape("chargingSchedule.minChargingRate", "expected number")
		}
		s.MinRate = &f
	}

	return s, nil
}

// Validate 校验配置文件的全部不变量
func (p *Profile) Validate() error {
	if p.ID <= 0 {
		return invariantViolation("chargingProfileId must be positive")
	}
	if p.StackLevel < 0 {
		return invariantViolation("stackLevel must not be negative")
	}
	if p.Purpose == ocpp16.ChargingProfilePurposeTxProfile && p.TransactionID == nil {
		return invariantViolation("TxProfile requires transactionId")
	}
	switch p.Kind {
	case ocpp16.ChargingProfileKindRecurring:
		if p.Recurrency == nil {
			return invariantViolation("Recurring profile requires recurrencyKind")
		}
		if p.Schedule.Start == nil {
			return invariantViolation("Recurring profile requires startSchedule")
		}
	case ocpp16.ChargingProfileKindAbsolute:
		if p.Schedule.Start == nil {
			return invariantViolation("Absolute profile requires startSchedule")
		}
	}
	if p.ValidFrom != nil && p.ValidTo != nil && p.ValidFrom.After(*p.ValidTo) {
		return invariantViolation("validFrom must not be after validTo")
	}
	if len(p.Schedule.Periods) == 0 {
		return invariantViolation("schedule requires at least one period")
	}
	if p.Schedule.Periods[0].StartPeriod != 0 {
		return invariantViolation("first period must have startPeriod=0")
	}
	prev := -1
	for _, period := range p.Schedule.Periods {
		if period.StartPeriod <= prev {
			return invariantViolation("periods must be strictly ascending by startPeriod")
		}
		prev = period.StartPeriod
		if period.Limit <= 0 || math.IsNaN(period.Limit) || math.IsInf(period.Limit, 0) {
			return invariantViolation("period limit must be positive")
		}
		if period.NumberPhases != nil && (*period.NumberPhases < 1 || *period.NumberPhases > 3) {
			return invariantViolation("numberPhases must be 1, 2 or 3")
		}
	}
	if p.Schedule.MinRate != nil && *p.Schedule.MinRate < 0 {
		return invariantViolation("minChargingRate must not be negative")
	}
	return nil
}

// Wire 转换为OCPP线上结构，省略缺失的可选字段
func (p *Profile) Wire() *ocpp16.ChargingProfile {
	w := &ocpp16.ChargingProfile{
		ChargingProfileId:      p.ID,
		StackLevel:             p.StackLevel,
		ChargingProfilePurpose: p.Purpose,
		ChargingProfileKind:    p.Kind,
		TransactionId:          p.TransactionID,
		RecurrencyKind:         p.Recurrency,
		ChargingSchedule:       *p.Schedule.Wire(),
	}
	if p.ValidFrom != nil {
		w.ValidFrom = &ocpp16.DateTime{Time: *p.ValidFrom}
	}
	if p.ValidTo != nil {
		w.ValidTo = &ocpp16.DateTime{Time: *p.ValidTo}
	}
	return w
}

// Wire 转换充电计划为OCPP线上结构
func (s *Schedule) Wire() *ocpp16.ChargingSchedule {
	w := &ocpp16.ChargingSchedule{
		ChargingRateUnit: s.RateUnit,
		Duration:         s.Duration,
		MinChargingRate:  s.MinRate,
	}
	if s.Start != nil {
		w.StartSchedule = &ocpp16.DateTime{Time: *s.Start}
	}
	for _, p := range s.Periods {
		w.ChargingSchedulePeriod = append(w.ChargingSchedulePeriod, ocpp16.ChargingSchedulePeriod{
			StartPeriod:  p.StartPeriod,
			Limit:        p.Limit,
			NumberPhases: p.NumberPhases,
		})
	}
	return w
}

// FromWire 从OCPP线上结构构建内部表示
func FromWire(w *ocpp16.ChargingProfile) *Profile {
	p := &Profile{
		ID:            w.ChargingProfileId,
		StackLevel:    w.StackLevel,
		Purpose:       w.ChargingProfilePurpose,
		Kind:          w.ChargingProfileKind,
		Recurrency:    w.RecurrencyKind,
		TransactionID: w.TransactionId,
	}
	if w.ValidFrom != nil {
		t := w.ValidFrom.Time
		p.ValidFrom = &t
	}
	if w.ValidTo != nil {
		t := w.ValidTo.Time
		p.ValidTo = &t
	}
	p.Schedule = Schedule{
		RateUnit: w.ChargingSchedule.ChargingRateUnit,
		Duration: w.ChargingSchedule.Duration,
		MinRate:  w.ChargingSchedule.MinChargingRate,
	}
	if w.ChargingSchedule.StartSchedule != nil {
		t := w.ChargingSchedule.StartSchedule.Time
		p.Schedule.Start = &t
	}
	for _, period := range w.ChargingSchedule.ChargingSchedulePeriod {
		p.Schedule.Periods = append(p.Schedule.Periods, Period{
			StartPeriod:  period.StartPeriod,
			Limit:        period.Limit,
			NumberPhases: period.NumberPhases,
		})
	}
	return p
}

func requireInt(raw map[string]interface{}, path string, keys ...string) (int, error) {
	key := path
	if len(keys) > 0 {
		key = keys[0]
	}
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, missingField(path)
	}
	return toInt(v, path)
}

func requireString(raw map[string]interface{}, path string, keys ...string) (string, error) {
	key := path
	if len(keys) > 0 {
		key = keys[0]
	}
	v, ok := raw[key]
	if !ok || v == nil {
		return "", missingField(path)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidShape(path, "expected string")
	}
	return s, nil
}

func toInt(v interface{}, path string) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, invalidShape(path, "expected integer")
	}
	if f != math.Trunc(f) {
		return 0, invalidShape(path, "expected integer")
	}
	return int(f), nil
}

func optTime(raw map[string]interface{}, key string, paths ...string) (*time.Time, error) {
	path := key
	if len(paths) > 0 {
		path = paths[0]
	}
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, invalidShape(path, "expected ISO-8601 timestamp")
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return nil, invalidShape(path, "invalid ISO-8601 timestamp")
	}
	return &t, nil
}

// parseTimestamp 解析ISO-8601时间戳，无时区后缀按UTC处理
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
