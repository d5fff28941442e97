// Package actuator defines the abstract actuator interface the Executor
// depends on (spec.md §6 "Actuator interface"), so the Executor's control
// logic can be tested against a fake without a real inverter on the bench.
package actuator

import (
	"context"
	"time"
)

// Timeout is the hard per-call bound from spec.md §6: "Each call is blocking
// with a 5 s timeout."
const Timeout = 5 * time.Second

// WorkMode is the inverter operating mode the Executor commands.
type WorkMode string

const (
	WorkModeExport     WorkMode = "export"
	WorkModeZeroExport WorkMode = "zero_export"
	WorkModeCharge     WorkMode = "charge"
)

// SensorID identifies a readable numeric sensor.
type SensorID string

const (
	SensorBatterySOCPercent SensorID = "battery_soc_percent"
	SensorPVPowerKW         SensorID = "pv_power_kw"
	SensorLoadPowerKW       SensorID = "load_power_kw"
	SensorWaterTempC        SensorID = "water_temp_c"
	SensorChargeCurrentA    SensorID = "charge_current_a"
)

// Actuator is the abstract control-and-sense surface for the physical
// plant. Every method is blocking with Timeout and returns
// emserr.ActuatorUnreachable/ActuatorRejected on failure.
type Actuator interface {
	// GetSensor reads a numeric sensor. A false second return means the
	// sensor value is currently unavailable (not an error by itself).
	GetSensor(ctx context.Context, id SensorID) (value float64, ok bool, err error)

	SetWorkMode(ctx context.Context, mode WorkMode) error
	SetGridChargeEnabled(ctx context.Context, enabled bool) error
	SetChargeCurrent(ctx context.Context, amps float64) error
	SetSOCTarget(ctx context.Context, percent float64) error
	SetWaterTemp(ctx context.Context, celsius float64) error
}
