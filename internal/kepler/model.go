package kepler

import (
	"fmt"
	"math"
	"time"

	"github.com/devskill-org/kepler-ems/internal/model"
)

// This file builds the solver-agnostic MILP model (spec.md §4.C
// Constraints/Objective) as a plain variable/constraint list, independent of
// any particular solver backend. BuildModel is deterministic and pure, which
// is what makes it unit-testable without linking a solver.

// VarKind distinguishes continuous from binary decision variables.
type VarKind int

const (
	VarContinuous VarKind = iota
	VarBinary
)

// Variable is one column of the LP.
type Variable struct {
	Name  string
	Kind  VarKind
	Lower float64
	Upper float64
}

// ConstrType is the relational operator of a Constraint row.
type ConstrType int

const (
	LE ConstrType = iota
	GE
	EQ
)

// Term is one (column, coefficient) pair of a sparse row.
type Term struct {
	Col   int
	Coeff float64
}

// Constraint is one sparse row of the LP.
type Constraint struct {
	Name  string
	Terms []Term
	Type  ConstrType
	RHS   float64
}

// LPModel is the full solver-agnostic model: columns, rows, and a dense
// objective vector (minimize), indexed by column.
type LPModel struct {
	Variables   []Variable
	Constraints []Constraint
	Objective   []float64
}

func (m *LPModel) addVar(v Variable) int {
	m.Variables = append(m.Variables, v)
	m.Objective = append(m.Objective, 0)
	return len(m.Variables) - 1
}

func (m *LPModel) addObj(col int, coeff float64) {
	m.Objective[col] += coeff
}

func (m *LPModel) addConstraint(name string, terms []Term, typ ConstrType, rhs float64) {
	m.Constraints = append(m.Constraints, Constraint{Name: name, Terms: terms, Type: typ, RHS: rhs})
}

// VarIndex records the column index of each decision variable family so
// callers can read a Solution back into per-slot values.
type VarIndex struct {
	Charge      []int // c[t]
	Discharge   []int // d[t]
	Export      []int // x[t]
	WaterHeat   []int // w[t]
	SOC         []int // soc[t]
	Selector    []int // z[t]
	GridImport  []int // grid_import[t], implicit per spec.md §4.C constraint 4
	RampAuxC    []int // linearizes |Δc[t]|
	RampAuxD    []int // linearizes |Δd[t]|
	GapSlack    []int // g_k, one per sliding window of MaxHoursBetweenHeating hours (not a fixed 4 hours)
	WindowSlots [][]int
}

const dt = 0.25 // hours per 15-minute slot

// BuildModel constructs the LPModel for req. tv is the terminal value
// (sek per kWh) computed separately by TerminalValue, and hardWaterGap, when
// true, turns the soft gap-slack penalty (constraint 6) into a hard minimum
// constraint instead (the Open Question decision recorded in DESIGN.md).
func BuildModel(req Request, tv float64, hardWaterGap bool) (*LPModel, *VarIndex) {
	n := req.HorizonSlots
	m := &LPModel{}
	idx := &VarIndex{
		Charge:     make([]int, n),
		Discharge:  make([]int, n),
		Export:     make([]int, n),
		WaterHeat:  make([]int, n),
		SOC:        make([]int, n),
		Selector:   make([]int, n),
		GridImport: make([]int, n),
		RampAuxC:   make([]int, n),
		RampAuxD:   make([]int, n),
	}

	waterOn := req.WaterHeater.Enabled
	exportOn := req.Export.Enabled

	for t := 0; t < n; t++ {
		idx.Charge[t] = m.addVar(Variable{Name: varName("c", t), Kind: VarContinuous, Lower: 0, Upper: req.MaxChargeKW})
		idx.Discharge[t] = m.addVar(Variable{Name: varName("d", t), Kind: VarContinuous, Lower: 0, Upper: req.MaxDischargeKW})

		exportUpper := 0.0
		if exportOn {
			exportUpper = req.Export.MaxExportKW
		}
		idx.Export[t] = m.addVar(Variable{Name: varName("x", t), Kind: VarContinuous, Lower: 0, Upper: exportUpper})

		waterUpper := 0.0
		waterKind := VarBinary
		if waterOn {
			waterUpper = 1
		} else {
			waterKind = VarContinuous // pinned at 0, kind is immaterial
		}
		idx.WaterHeat[t] = m.addVar(Variable{Name: varName("w", t), Kind: waterKind, Lower: 0, Upper: waterUpper})

		idx.SOC[t] = m.addVar(Variable{Name: varName("soc", t), Kind: VarContinuous, Lower: req.MinSOCPercent, Upper: req.MaxSOCPercent})
		idx.Selector[t] = m.addVar(Variable{Name: varName("z", t), Kind: VarBinary, Lower: 0, Upper: 1})
		idx.GridImport[t] = m.addVar(Variable{Name: varName("gridimport", t), Kind: VarContinuous, Lower: 0, Upper: 1e9})
		idx.RampAuxC[t] = m.addVar(Variable{Name: varName("rampc", t), Kind: VarContinuous, Lower: 0, Upper: 1e9})
		idx.RampAuxD[t] = m.addVar(Variable{Name: varName("rampd", t), Kind: VarContinuous, Lower: 0, Upper: 1e9})
	}

	etaSqrt := sqrt(req.RoundtripEfficiency)
	kCharge := etaSqrt * dt / req.CapacityKWh * 100
	kDischarge := dt / (etaSqrt * req.CapacityKWh) * 100

	for t := 0; t < n; t++ {
		// Constraint 1: SoC dynamics.
		terms := []Term{{idx.SOC[t], 1}, {idx.Charge[t], -kCharge}, {idx.Discharge[t], kDischarge}}
		rhs := 0.0
		if t == 0 {
			rhs = req.SOC0Percent
		} else {
			terms = append(terms, Term{idx.SOC[t-1], -1})
		}
		m.addConstraint(rowName("soc_dyn", t), terms, EQ, rhs)

		// Constraint 3: mutual exclusion via selector z[t].
		m.addConstraint(rowName("mutex_c", t),
			[]Term{{idx.Charge[t], 1}, {idx.Selector[t], -req.MaxChargeKW}}, LE, 0)
		m.addConstraint(rowName("mutex_d", t),
			[]Term{{idx.Discharge[t], 1}, {idx.Selector[t], req.MaxDischargeKW}}, LE, req.MaxDischargeKW)

		// Constraint 4: energy balance.
		m.addConstraint(rowName("balance", t), []Term{
			{idx.GridImport[t], 1},
			{idx.Discharge[t], dt},
			{idx.Charge[t], -dt},
			{idx.Export[t], -dt},
			{idx.WaterHeat[t], -req.WaterHeater.PowerKW * dt},
		}, EQ, req.LoadKWh[t]-req.PVKWh[t])

		// Constraint 7: ramping linearization, r[t] = rampC[t] + rampD[t].
		if t > 0 {
			m.addConstraint(rowName("ramp_c_pos", t), []Term{{idx.RampAuxC[t], 1}, {idx.Charge[t], -1}, {idx.Charge[t-1], 1}}, GE, 0)
			m.addConstraint(rowName("ramp_c_neg", t), []Term{{idx.RampAuxC[t], 1}, {idx.Charge[t], 1}, {idx.Charge[t-1], -1}}, GE, 0)
			m.addConstraint(rowName("ramp_d_pos", t), []Term{{idx.RampAuxD[t], 1}, {idx.Discharge[t], -1}, {idx.Discharge[t-1], 1}}, GE, 0)
			m.addConstraint(rowName("ramp_d_neg", t), []Term{{idx.RampAuxD[t], 1}, {idx.Discharge[t], 1}, {idx.Discharge[t-1], -1}}, GE, 0)
		}

		// GridImport already carries units of kWh (balance constraint gives it
		// coefficient 1, not dt), so its cost term must not be scaled by dt
		// again — doing so would discount import cost relative to export
		// revenue (Export is a power var, correctly scaled by dt below).
		m.addObj(idx.GridImport[t], req.ImportPrice[t])
		m.addObj(idx.Export[t], -req.ExportPrice[t]*dt)
		m.addObj(idx.Charge[t], req.Cost.WearCostSEKPerKWh*dt)
		m.addObj(idx.Discharge[t], req.Cost.WearCostSEKPerKWh*dt)
		m.addObj(idx.RampAuxC[t], req.Cost.RampingCostSEKPerKW)
		m.addObj(idx.RampAuxD[t], req.Cost.RampingCostSEKPerKW)
	}

	if waterOn {
		buildWaterHeatingConstraints(m, idx, req, hardWaterGap)
	}
	if req.Vacation.Enabled && req.Vacation.AntiLegionellaQuotaKWh > 0 {
		buildAntiLegionellaConstraint(m, idx, req)
	}

	// Terminal value bonus: maximize soc[N-1] value, i.e. subtract from the
	// minimized objective (spec.md §4.C.4).
	if n > 0 {
		m.addObj(idx.SOC[n-1], -tv*req.CapacityKWh/100)
	}

	return m, idx
}

// buildWaterHeatingConstraints implements constraint 5 (daily minimum,
// grouped by calendar day of SlotStart) and constraint 6 (the sliding
// comfort-gap slack, or its hard-constraint variant). Each gap window spans
// MaxHoursBetweenHeating hours of slots; there is no fixed 4-hour window.
func buildWaterHeatingConstraints(m *LPModel, idx *VarIndex, req Request, hardGap bool) {
	n := req.HorizonSlots
	wh := req.WaterHeater

	// Constraint 5: per-day minimum kWh.
	dayStart := 0
	for dayStart < n {
		dayEnd := dayStart + 1
		day := slotDate(req.SlotStart, dayStart)
		for dayEnd < n && slotDate(req.SlotStart, dayEnd) == day {
			dayEnd++
		}
		minKWh := wh.MinKWhPerDay
		if dayStart == 0 {
			minKWh -= wh.AlreadyHeatedTodayKWh
		}
		if req.Vacation.Enabled {
			minKWh = 0
		}
		if minKWh > 0 {
			terms := make([]Term, 0, dayEnd-dayStart)
			for t := dayStart; t < dayEnd; t++ {
				terms = append(terms, Term{idx.WaterHeat[t], wh.PowerKW * dt})
			}
			m.addConstraint(rowName("water_daily_min", dayStart), terms, GE, minKWh)
		}
		dayStart = dayEnd
	}

	// Constraint 6: sliding comfort-gap window.
	if wh.MaxHoursBetweenHeating <= 0 {
		return
	}
	nWindow := int(wh.MaxHoursBetweenHeating / dt)
	if nWindow <= 0 || nWindow > n {
		return
	}
	idx.GapSlack = make([]int, 0, n-nWindow+1)
	idx.WindowSlots = make([][]int, 0, n-nWindow+1)
	for start := 0; start+nWindow <= n; start++ {
		window := make([]int, nWindow)
		for i := 0; i < nWindow; i++ {
			window[i] = start + i
		}
		idx.WindowSlots = append(idx.WindowSlots, window)

		if hardGap {
			// Hard form: Σ w[t]*dt over the window ≥ 1 slot worth of heating,
			// i.e. the gap itself can never exceed max_hours_between_heating.
			terms := make([]Term, 0, nWindow)
			for _, t := range window {
				terms = append(terms, Term{idx.WaterHeat[t], dt})
			}
			m.addConstraint(rowName("water_gap_hard", start), terms, GE, dt)
			continue
		}

		gCol := m.addVar(Variable{Name: varName("g", start), Kind: VarContinuous, Lower: 0, Upper: 1e9})
		idx.GapSlack = append(idx.GapSlack, gCol)
		terms := make([]Term, 0, nWindow+1)
		terms = append(terms, Term{gCol, 1})
		for _, t := range window {
			terms = append(terms, Term{idx.WaterHeat[t], dt})
		}
		m.addConstraint(rowName("water_gap_soft", start), terms, GE, wh.MaxHoursBetweenHeating)
		m.addObj(gCol, wh.ComfortPenaltySEKPerHour)
	}
}

// buildAntiLegionellaConstraint implements the vacation-mode injected
// anti-legionella heating quota (spec.md §4.C.6): a minimum kWh delivered
// within a specified sub-window of the horizon, independent of the normal
// daily-minimum constraint (which vacation mode otherwise zeroes out).
func buildAntiLegionellaConstraint(m *LPModel, idx *VarIndex, req Request) {
	start := req.Vacation.AntiLegionellaWindowStart
	end := req.Vacation.AntiLegionellaWindowEnd
	if start < 0 {
		start = 0
	}
	if end > req.HorizonSlots {
		end = req.HorizonSlots
	}
	if end <= start {
		return
	}
	terms := make([]Term, 0, end-start)
	for t := start; t < end; t++ {
		terms = append(terms, Term{idx.WaterHeat[t], req.WaterHeater.PowerKW * dt})
	}
	m.addConstraint("anti_legionella_quota", terms, GE, req.Vacation.AntiLegionellaQuotaKWh)
}

func slotTime(slotStart time.Time, t int) time.Time {
	return slotStart.Add(time.Duration(t) * model.SlotDuration)
}

func slotDate(slotStart time.Time, t int) string {
	return slotTime(slotStart, t).Format("2006-01-02")
}

func sqrt(x float64) float64 { return math.Sqrt(x) }

func varName(prefix string, t int) string { return fmt.Sprintf("%s[%d]", prefix, t) }

func rowName(prefix string, t int) string { return fmt.Sprintf("%s[%d]", prefix, t) }
