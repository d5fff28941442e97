// Package kepler is the MILP Planner (spec.md §4.C) — the core of the core.
// Model construction (BuildModel, in model.go) is solver-agnostic and
// independently unit-testable; solving is delegated to the Solver
// interface (solver.go), with a default implementation backed by
// github.com/draffensperger/golp (solver_golp.go).
package kepler

import (
	"time"

	"github.com/devskill-org/kepler-ems/internal/emserr"
)

// WaterHeaterParams configures the optional water-heating constraints.
type WaterHeaterParams struct {
	Enabled                    bool
	PowerKW                    float64
	MinKWhPerDay               float64
	MaxHoursBetweenHeating     float64
	AlreadyHeatedTodayKWh      float64
	ComfortPenaltySEKPerHour   float64
}

// ExportParams configures grid export.
type ExportParams struct {
	Enabled     bool
	MaxExportKW float64
}

// VacationParams overrides water heating behavior during vacation mode
// (spec.md §4.C.6).
type VacationParams struct {
	Enabled                   bool
	AntiLegionellaQuotaKWh    float64
	AntiLegionellaWindowStart int // slot index, start of the 24h sub-window
	AntiLegionellaWindowEnd   int // slot index, exclusive
}

// CostParams configures the non-arbitrage cost terms.
type CostParams struct {
	WearCostSEKPerKWh   float64
	RampingCostSEKPerKW float64
}

// Request is the Planner Request (spec.md §4.C Inputs).
type Request struct {
	HorizonSlots int
	SlotStart    time.Time // start_time of slot 0

	ImportPrice []float64 // length HorizonSlots, SEK/kWh
	ExportPrice []float64
	PVKWh       []float64
	LoadKWh     []float64

	CapacityKWh         float64
	MinSOCPercent       float64
	MaxSOCPercent       float64
	MaxChargeKW         float64
	MaxDischargeKW      float64
	RoundtripEfficiency float64 // eta_rt, 0 < eta <= 1
	SOC0Percent         float64 // current SoC

	WaterHeater WaterHeaterParams
	Export      ExportParams
	Vacation    VacationParams
	Cost        CostParams

	MIPGap           float64
	TimeLimitSeconds int
}

// Validate checks constraint violations in the inputs that must fail
// without solving (spec.md §4.C Failure modes, InvalidInput).
func (r Request) Validate() error {
	const op = "kepler.Request.Validate"
	n := r.HorizonSlots
	if n <= 0 {
		return emserr.New(emserr.KindInvalidInput, op, "horizon_slots must be positive")
	}
	for _, arr := range []struct {
		name string
		vals []float64
	}{
		{"import_price", r.ImportPrice},
		{"export_price", r.ExportPrice},
		{"pv_kwh", r.PVKWh},
		{"load_kwh", r.LoadKWh},
	} {
		if len(arr.vals) != n {
			return emserr.New(emserr.KindInvalidInput, op, "%s has length %d, want %d", arr.name, len(arr.vals), n)
		}
	}
	for i, v := range r.PVKWh {
		if v < 0 {
			return emserr.New(emserr.KindInvalidInput, op, "pv_kwh[%d] is negative", i)
		}
	}
	for i, v := range r.LoadKWh {
		if v < 0 {
			return emserr.New(emserr.KindInvalidInput, op, "load_kwh[%d] is negative", i)
		}
	}
	if r.CapacityKWh <= 0 {
		return emserr.New(emserr.KindInvalidInput, op, "capacity_kwh must be positive")
	}
	if r.MinSOCPercent > r.MaxSOCPercent {
		return emserr.New(emserr.KindInvalidInput, op, "min_soc_pct (%.2f) > max_soc_pct (%.2f)", r.MinSOCPercent, r.MaxSOCPercent)
	}
	if r.MinSOCPercent < 0 || r.MaxSOCPercent > 100 {
		return emserr.New(emserr.KindInvalidInput, op, "soc bounds must be within [0,100]")
	}
	if r.SOC0Percent < r.MinSOCPercent || r.SOC0Percent > r.MaxSOCPercent {
		return emserr.New(emserr.KindInvalidInput, op, "soc0_pct (%.2f) outside [min_soc_pct, max_soc_pct]", r.SOC0Percent)
	}
	if r.RoundtripEfficiency <= 0 || r.RoundtripEfficiency > 1 {
		return emserr.New(emserr.KindInvalidInput, op, "eta_rt must be in (0,1]")
	}
	if r.MaxChargeKW < 0 || r.MaxDischargeKW < 0 {
		return emserr.New(emserr.KindInvalidInput, op, "max charge/discharge must be non-negative")
	}
	return nil
}
