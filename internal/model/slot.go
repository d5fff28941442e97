// Package model defines the shared data types passed between the Store,
// the Planner, the Scheduler, and the Executor.
package model

import "time"

// SlotDuration is the atomic planning unit: 15 minutes.
const SlotDuration = 15 * time.Minute

// Slot is the atomic 15-minute unit of the horizon.
type Slot struct {
	Index     int
	StartTime time.Time
	EndTime   time.Time
}

// NewSlot builds a Slot aligned to the 15-minute grid, truncating StartTime.
func NewSlot(index int, start time.Time) Slot {
	start = start.Truncate(SlotDuration)
	return Slot{
		Index:     index,
		StartTime: start,
		EndTime:   start.Add(SlotDuration),
	}
}

// ForecastPoint carries per-slot price and forecast data, keyed by StartTime.
// All energy and price fields are non-negative except the two price fields,
// which may be negative (e.g. negative day-ahead prices).
type ForecastPoint struct {
	StartTime    time.Time
	ImportPrice  float64 // currency/kWh
	ExportPrice  float64 // currency/kWh
	PVKWh        float64 // energy expected in the slot
	LoadKWh      float64 // energy expected in the slot
}

// Classification is the deterministic tag derived from a Planned Slot's
// decision values.
type Classification string

const (
	ClassificationCharge    Classification = "charge"
	ClassificationDischarge Classification = "discharge"
	ClassificationExport    Classification = "export"
	ClassificationWaterHeat Classification = "water_heat"
	ClassificationHold      Classification = "hold"
	ClassificationPVCharge  Classification = "pv_charge"
)

// ClassifyTolerance is the numerical tolerance (ε) used throughout for
// mutual-exclusion and zero comparisons, per spec invariant I2.
const ClassifyTolerance = 1e-6

// Classify derives the Classification for a slot from its decision values,
// following the precedence Export > Charge > Discharge > WaterHeat > Hold,
// with PVCharge overriding Charge when PV fully covers the charge energy.
func Classify(exportKW, chargeKW, dischargeKW, pvKWh float64, waterHeatActive bool) Classification {
	const dt = 0.25 // hours per slot
	switch {
	case exportKW > ClassifyTolerance:
		return ClassificationExport
	case chargeKW > ClassifyTolerance:
		if pvKWh >= chargeKW*dt {
			return ClassificationPVCharge
		}
		return ClassificationCharge
	case dischargeKW > ClassifyTolerance:
		return ClassificationDischarge
	case waterHeatActive:
		return ClassificationWaterHeat
	default:
		return ClassificationHold
	}
}
