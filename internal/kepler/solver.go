package kepler

import "context"

// SolveStatus is the outcome of a Solver.Solve call.
type SolveStatus int

const (
	StatusOptimal SolveStatus = iota
	StatusTimeout
	StatusInfeasible
)

// Solution is the raw result of solving an LPModel: one value per column,
// matched against a VarIndex by the caller.
type Solution struct {
	Status    SolveStatus
	Values    []float64
	Objective float64
	MIPGap    float64
}

// SolveOptions bounds a single solve, per spec.md §4.C "Solver tolerance".
type SolveOptions struct {
	MaxMIPGap        float64 // e.g. 0.01 for 1%
	TimeLimitSeconds int     // e.g. 30
}

// Solver is the solver-agnostic interface the Planner depends on, so model
// construction and tests never need to link a concrete MILP backend.
type Solver interface {
	Solve(ctx context.Context, m *LPModel, opts SolveOptions) (Solution, error)
}
