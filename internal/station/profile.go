package station

import "fmt"

// Profile 站点行为档案，决定模拟桩的节奏与智能充电参数
type Profile struct {
	Name string

	// 心跳周期，秒
	HeartbeatInterval int

	// 两次交易之间的空闲区间，秒
	IdleMin int
	IdleMax int

	// 每次计量采样的基础能量步进区间，Wh
	EnergyStepMin int
	EnergyStepMax int

	// 计量采样间隔区间，秒
	SampleIntervalMin int
	SampleIntervalMax int

	// 是否自动发起交易
	EnableTransactions bool

	// 掉线模拟：每次交易前掷骰的概率与离线时长（秒）
	OfflineProbability float64
	OfflineDuration    int

	// 授权用的ID标签池
	IdTags []string

	// 智能充电参数
	ChargeIfPriceBelow float64
	MaxEnergyKwh       float64
	AllowPeakHours     bool
	PeakHours          []int
}

// baseProfile 未覆盖字段的公共默认值
func baseProfile(name string) Profile {
	return Profile{
		Name:               name,
		HeartbeatInterval:  60,
		IdleMin:            30,
		IdleMax:            120,
		EnergyStepMin:      50,
		EnergyStepMax:      150,
		SampleIntervalMin:  10,
		SampleIntervalMax:  20,
		EnableTransactions: true,
		IdTags:             []string{"ABC123", "TAG001", "USER42"},
		ChargeIfPriceBelow: 100.0,
		MaxEnergyKwh:       30.0,
		AllowPeakHours:     true,
		PeakHours:          hourRange(8, 18),
	}
}

// Profiles 内置行为档案
var Profiles = map[string]Profile{
	"default":         defaultProfile(),
	"busy":            busyProfile(),
	"idle":            idleProfile(),
	"no-transactions": noTransactionsProfile(),
	"flaky":           flakyProfile(),
}

func defaultProfile() Profile {
	p := baseProfile("default")
	p.ChargeIfPriceBelow = 25.0
	p.MaxEnergyKwh = 30.0
	return p
}

func busyProfile() Profile {
	p := baseProfile("busy")
	p.IdleMin = 5
	p.IdleMax = 20
	p.EnergyStepMin = 80
	p.EnergyStepMax = 220
	p.ChargeIfPriceBelow = 30.0
	p.MaxEnergyKwh = 40.0
	return p
}

func idleProfile() Profile {
	p := baseProfile("idle")
	p.IdleMin = 180
	p.IdleMax = 600
	p.ChargeIfPriceBelow = 18.0
	p.MaxEnergyKwh = 20.0
	p.AllowPeakHours = false
	return p
}

func noTransactionsProfile() Profile {
	p := baseProfile("no-transactions")
	p.EnableTransactions = false
	return p
}

func flakyProfile() Profile {
	p := baseProfile("flaky")
	p.IdleMin = 20
	p.IdleMax = 60
	p.OfflineProbability = 0.1
	p.OfflineDuration = 30
	p.ChargeIfPriceBelow = 20.0
	p.MaxEnergyKwh = 25.0
	return p
}

// LookupProfile 按名称查找行为档案
func LookupProfile(name string) (Profile, error) {
	p, ok := Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown station profile %q", name)
	}
	return p, nil
}

// hourRange 展开[start, end)区间的整点小时
func hourRange(start, end int) []int {
	hours := make([]int, 0, end-start)
	for h := start; h < end; h++ {
		hours = append(hours, h)
	}
	return hours
}
