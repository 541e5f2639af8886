package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StationsRunning tracks the number of simulated stations currently running.
	StationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_stations_running",
		Help: "The number of simulated stations currently running.",
	})

	// StationsStarted counts station starts since process launch.
	StationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_stations_started_total",
		Help: "Total number of station starts.",
	})

	// TransactionsStarted counts charging transactions opened against the CSMS.
	TransactionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_transactions_started_total",
		Help: "Total number of charging transactions started.",
	})

	// EnergyDispensedWh counts the total simulated energy, in watt hours.
	EnergyDispensedWh = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_energy_dispensed_wh_total",
		Help: "Total simulated energy dispensed across all stations, in Wh.",
	})

	// MeterValuesSent counts MeterValues requests sent to the CSMS.
	MeterValuesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_meter_values_sent_total",
		Help: "Total number of MeterValues requests sent.",
	})

	// ProfilesAccepted counts charging profiles accepted by stations.
	ProfilesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_charging_profiles_accepted_total",
		Help: "Total number of SetChargingProfile requests accepted.",
	})

	// ProfilesRejected counts charging profiles rejected by stations.
	ProfilesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_charging_profiles_rejected_total",
		Help: "Total number of SetChargingProfile requests rejected.",
	})

	// OutboundCalls counts outbound OCPP calls, labeled by action and outcome.
	OutboundCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_outbound_calls_total",
		Help: "Total number of outbound OCPP calls.",
	}, []string{"action", "outcome"})
)
