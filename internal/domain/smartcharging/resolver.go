package smartcharging

import (
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// CurrentLimit 计算连接器在now时刻的有效功率限制。
// 候选集为连接器0与目标连接器上的全部配置文件，最终取
// 所有适用限制的逐点最小值；没有适用配置文件时ok为false。
func (s *ProfileStore) CurrentLimit(connectorID int, now time.Time, txID *int, txStart *time.Time) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limitAt(connectorID, now, txID, txStart)
}

func (s *ProfileStore) limitAt(connectorID int, now time.Time, txID *int, txStart *time.Time) (float64, bool) {
	candidates := s.byConnector[0]
	if connectorID != 0 {
		candidates = append(candidates[:len(candidates):len(candidates)], s.byConnector[connectorID]...)
	}

	best := 0.0
	found := false
	for _, p := range candidates {
		limit, ok := profileLimitAt(p, now, txID, txStart)
		if !ok {
			continue
		}
		if !found || limit < best {
			best = limit
			found = true
		}
	}
	return best, found
}

// profileLimitAt 计算单个配置文件在now时刻的限制贡献
func profileLimitAt(p *Profile, now time.Time, txID *int, txStart *time.Time) (float64, bool) {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return 0, false
	}
	if p.ValidTo != nil && now.After(*p.ValidTo) {
		return 0, false
	}
	if p.Purpose == ocpp16.ChargingProfilePurposeTxProfile {
		if txID == nil || p.TransactionID == nil || *txID != *p.TransactionID {
			return 0, false
		}
	}

	start, ok := effectiveStart(p, now, txStart)
	if !ok {
		return 0, false
	}
	if now.Before(start) {
		return 0, false
	}
	elapsed := int(now.Sub(start) / time.Second)
	if p.Schedule.Duration != nil && elapsed > *p.Schedule.Duration {
		return 0, false
	}

	limit := 0.0
	found := false
	for _, period := range p.Schedule.Periods {
		if period.StartPeriod > elapsed {
			break
		}
		limit = period.Limit
		found = true
	}
	return limit, found
}

// effectiveStart 按配置文件类型确定计划原点
func effectiveStart(p *Profile, now time.Time, txStart *time.Time) (time.Time, bool) {
	switch p.Kind {
	case ocpp16.ChargingProfileKindAbsolute:
		if p.Schedule.Start == nil {
			return time.Time{}, false
		}
		return *p.Schedule.Start, true
	case ocpp16.ChargingProfileKindRelative:
		if txStart == nil {
			return time.Time{}, false
		}
		return *txStart, true
	case ocpp16.ChargingProfileKindRecurring:
		if p.Schedule.Start == nil || p.Recurrency == nil {
			return time.Time{}, false
		}
		if *p.Recurrency == ocpp16.RecurrencyKindWeekly {
			return weeklyStart(*p.Schedule.Start, now), true
		}
		return dailyStart(*p.Schedule.Start, now), true
	}
	return time.Time{}, false
}

// dailyStart 把startSchedule的时刻投影到今天，未来则退回昨天
func dailyStart(scheduleStart, now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		scheduleStart.Hour(), scheduleStart.Minute(), scheduleStart.Second(), 0, now.Location())
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// weeklyStart 投影到不晚于now的最近同星期几的时刻
func weeklyStart(scheduleStart, now time.Time) time.Time {
	daysBack := (int(now.Weekday()) - int(scheduleStart.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		scheduleStart.Hour(), scheduleStart.Minute(), scheduleStart.Second(), 0, now.Location())
	candidate = candidate.AddDate(0, 0, -daysBack)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -7)
	}
	return candidate
}

// CompositeSchedule 对[start, start+duration)逐秒采样当前限制并做
// 游程编码。无交易上下文，Relative与TxProfile不参与。覆盖空洞会
// 结束当前周期，覆盖恢复时开始新周期。全部为空时返回nil。
func (s *ProfileStore) CompositeSchedule(connectorID int, duration int, unit ocpp16.ChargingRateUnit, start time.Time) *Schedule {
	if duration <= 0 {
		return nil
	}
	if unit == "" {
		unit = ocpp16.ChargingRateUnitW
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var periods []Period
	covered := false
	current := 0.0
	for second := 0; second < duration; second++ {
		at := start.Add(time.Duration(second) * time.Second)
		limit, ok := s.limitAt(connectorID, at, nil, nil)
		if !ok {
			covered = false
			continue
		}
		if !covered || limit != current {
			periods = append(periods, Period{StartPeriod: second, Limit: limit})
			current = limit
			covered = true
		}
	}
	if len(periods) == 0 {
		return nil
	}

	d := duration
	t := start
	return &Schedule{
		RateUnit: unit,
		Periods:  periods,
		Duration: &d,
		Start:    &t,
	}
}
