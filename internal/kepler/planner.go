package kepler

import (
	"context"
	"log"
	"time"

	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/model"
)

// PlannerVersion is recorded in ScheduleMeta so the dashboard and the Store
// can tell which planner revision produced a given schedule.
const PlannerVersion = "kepler-1"

// Solve tolerances from spec.md §4.C: "MIP gap ≤ 1% or time limit ≤ 30
// seconds, whichever first." acceptableTimeoutGap is the §4.C SolverTimeout
// recovery threshold: a timed-out incumbent is usable if its gap is ≤ 5%.
const (
	DefaultMIPGap           = 0.01
	DefaultTimeLimitSeconds = 30
	acceptableTimeoutGap    = 0.05
)

// Planner is the Kepler MILP planner: given a Request and any already
// executed historical slots for the same horizon, it produces a complete
// model.Schedule.
type Planner struct {
	Solver       Solver
	Logger       *log.Logger
	HardWaterGap bool // the Open Question decision: soft (default) vs hard water-gap constraint
}

// NewPlanner builds a Planner around the given Solver.
func NewPlanner(solver Solver, logger *log.Logger) *Planner {
	return &Planner{Solver: solver, Logger: logger}
}

// Plan solves req and returns the merged Schedule. historical are slots
// already copied from the execution log for start times before req.SlotStart
// (the caller fetches them, typically via store.Store.GetHistoricalExecutedSlots,
// before calling Plan). plannedAt is stamped into the returned ScheduleMeta.
func (p *Planner) Plan(ctx context.Context, req Request, historical []model.PlannedSlot, plannedAt time.Time) (model.Schedule, error) {
	const op = "kepler.Planner.Plan"

	if err := req.Validate(); err != nil {
		return model.Schedule{}, err
	}

	tv := TerminalValue(req.ImportPrice)
	opts := SolveOptions{MaxMIPGap: DefaultMIPGap, TimeLimitSeconds: DefaultTimeLimitSeconds}
	if req.MIPGap > 0 {
		opts.MaxMIPGap = req.MIPGap
	}
	if req.TimeLimitSeconds > 0 {
		opts.TimeLimitSeconds = req.TimeLimitSeconds
	}

	sol, idx, err := p.solveWithRelaxation(ctx, req, tv, opts)
	if err != nil {
		return model.Schedule{}, err
	}

	forward := buildPlannedSlots(req, sol.Values, idx)
	slots := MergeHistorical(historical, forward)

	horizonStart := req.SlotStart
	horizonEnd := req.SlotStart.Add(time.Duration(req.HorizonSlots) * model.SlotDuration)
	if len(historical) > 0 && historical[0].StartTime.Before(horizonStart) {
		horizonStart = historical[0].StartTime
	}

	schedule := model.Schedule{
		Meta: model.ScheduleMeta{
			PlannedAt:      plannedAt,
			PlannerVersion: PlannerVersion,
			HorizonStart:   horizonStart,
			HorizonEnd:     horizonEnd,
		},
		Slots: slots,
	}
	if err := schedule.Validate(); err != nil {
		return model.Schedule{}, emserr.Wrap(emserr.KindInvalidInput, op, err, "planner produced an invalid schedule")
	}
	return schedule, nil
}

// solveWithRelaxation implements the InfeasibleModel recovery path from
// spec.md §4.C. In hard-gap mode an infeasible model is rebuilt once with
// the soft water-heating gap slack and solved again. In soft mode there is
// no retry, since the gap slack is already unbounded; an infeasible soft
// model, like a retry that is not optimal, fails with SolverInfeasible.
func (p *Planner) solveWithRelaxation(ctx context.Context, req Request, tv float64, opts SolveOptions) (Solution, *VarIndex, error) {
	const op = "kepler.Planner.Solve"

	m, idx := BuildModel(req, tv, p.HardWaterGap)
	sol, err := p.Solver.Solve(ctx, m, opts)
	if err != nil {
		return Solution{}, nil, emserr.Wrap(emserr.KindSolverInfeasible, op, err, "solver call failed")
	}

	switch sol.Status {
	case StatusOptimal:
		return sol, idx, nil
	case StatusTimeout:
		if sol.MIPGap <= acceptableTimeoutGap {
			if p.Logger != nil {
				p.Logger.Printf("kepler: accepting incumbent at gap %.4f (≤ %.2f)", sol.MIPGap, acceptableTimeoutGap)
			}
			return sol, idx, nil
		}
		return Solution{}, nil, emserr.New(emserr.KindSolverTimeout, op, "solver timed out with gap %.4f > %.2f", sol.MIPGap, acceptableTimeoutGap)
	case StatusInfeasible:
		if p.HardWaterGap {
			if p.Logger != nil {
				p.Logger.Printf("kepler: model infeasible with hard water-gap constraint, retrying with soft gap slack")
			}
			m2, idx2 := BuildModel(req, tv, false)
			sol2, err2 := p.Solver.Solve(ctx, m2, opts)
			if err2 == nil && sol2.Status == StatusOptimal {
				return sol2, idx2, nil
			}
		}
		return Solution{}, nil, emserr.New(emserr.KindSolverInfeasible, op, "no feasible schedule under the given constraints")
	default:
		return Solution{}, nil, emserr.New(emserr.KindSolverInfeasible, op, "unrecognized solver status")
	}
}

// buildPlannedSlots reads a Solution back into Planned Slots per spec.md
// §4.C "Output (Planner Response)".
func buildPlannedSlots(req Request, values []float64, idx *VarIndex) []model.PlannedSlot {
	n := req.HorizonSlots
	slots := make([]model.PlannedSlot, n)
	for t := 0; t < n; t++ {
		chargeKW := values[idx.Charge[t]]
		dischargeKW := values[idx.Discharge[t]]
		exportKW := values[idx.Export[t]]
		waterHeatActive := values[idx.WaterHeat[t]] > 0.5
		projectedSOC := values[idx.SOC[t]]

		socTarget := clampSOC(roundToInt(projectedSOC), req.MinSOCPercent, req.MaxSOCPercent)

		slots[t] = model.PlannedSlot{
			StartTime:           slotTime(req.SlotStart, t),
			ChargeKW:            chargeKW,
			DischargeKW:         dischargeKW,
			ExportKW:            exportKW,
			WaterHeatActive:     waterHeatActive,
			ProjectedSOCPercent: projectedSOC,
			SOCTargetPercent:    socTarget,
			Classification:      model.Classify(exportKW, chargeKW, dischargeKW, req.PVKWh[t], waterHeatActive),
			ImportPrice:         req.ImportPrice[t],
			ExportPrice:         req.ExportPrice[t],
			IsHistorical:        false,
		}
	}
	return slots
}

func roundToInt(v float64) float64 {
	if v < 0 {
		return float64(int(v - 0.5))
	}
	return float64(int(v + 0.5))
}

func clampSOC(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
