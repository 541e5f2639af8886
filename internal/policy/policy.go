// Package policy 实现充电决策引擎。决策函数是纯函数，
// OCPP配置文件限制优先，策略只作为兜底。
package policy

import "fmt"

// Action 会话级决策动作
type Action string

const (
	ActionCharge Action = "charge"
	ActionWait   Action = "wait"
	ActionPause  Action = "pause"
)

// TickAction 计量循环决策动作
type TickAction string

const (
	TickContinue TickAction = "continue"
	TickStop     TickAction = "stop"
)

// StationState 站点运行状态快照
type StationState struct {
	EnergyDispensedKwh float64
	Charging           bool
	SessionActive      bool
}

// Config 策略配置，来自站点行为档案
type Config struct {
	ChargeIfPriceBelow float64
	MaxEnergyKwh       float64
	AllowPeakHours     bool
	PeakHours          []int
}

// Env 环境快照
type Env struct {
	CurrentPrice float64
	Hour         int
}

// Decision 会话级决策结果
type Decision struct {
	Action Action
	Reason string
}

// TickDecision 计量循环决策结果
type TickDecision struct {
	Action TickAction
	Reason string
}

// Evaluate 按固定顺序评估决策规则，首个命中者胜出：
// 能量上限、价格、高峰时段，否则允许充电。
func Evaluate(state StationState, cfg Config, env Env) Decision {
	if state.EnergyDispensedKwh >= cfg.MaxEnergyKwh {
		return Decision{
			Action: ActionPause,
			Reason: fmt.Sprintf("Energy cap reached (%.1f/%.1f kWh)", state.EnergyDispensedKwh, cfg.MaxEnergyKwh),
		}
	}
	// 严格大于，等于阈值仍然充电
	if env.CurrentPrice > cfg.ChargeIfPriceBelow {
		return Decision{
			Action: ActionWait,
			Reason: fmt.Sprintf("Price too high (%.2f > %.2f)", env.CurrentPrice, cfg.ChargeIfPriceBelow),
		}
	}
	if !cfg.AllowPeakHours && isPeakHour(cfg.PeakHours, env.Hour) {
		return Decision{
			Action: ActionWait,
			Reason: fmt.Sprintf("Peak hour block (hour %d)", env.Hour),
		}
	}
	return Decision{Action: ActionCharge, Reason: "Conditions OK"}
}

// EvaluateMeterTick 计量循环的Wh精度变体。到达Wh上限无条件停止，
// 否则把会话级决策映射为continue/stop。
func EvaluateMeterTick(state StationState, cfg Config, env Env, currentWh, maxWh int) TickDecision {
	if currentWh >= maxWh {
		return TickDecision{
			Action: TickStop,
			Reason: fmt.Sprintf("Energy cap reached (%d/%d Wh)", currentWh, maxWh),
		}
	}
	decision := Evaluate(state, cfg, env)
	if decision.Action == ActionCharge {
		return TickDecision{Action: TickContinue, Reason: decision.Reason}
	}
	return TickDecision{Action: TickStop, Reason: decision.Reason}
}

// IsPeakHour 判断给定小时是否落在配置的高峰时段
func IsPeakHour(cfg Config, hour int) bool {
	return isPeakHour(cfg.PeakHours, hour)
}

func isPeakHour(peakHours []int, hour int) bool {
	for _, h := range peakHours {
		if h == hour {
			return true
		}
	}
	return false
}
