package kepler

import (
	"context"

	"github.com/draffensperger/golp"
)

// GolpSolver is the default Solver, backed by lp_solve's branch-and-bound
// MIP solver via github.com/draffensperger/golp. No other MILP or LP
// library appears anywhere in the retrieval pack this module was built
// from; golp is named here rather than grounded on a teacher usage (see
// DESIGN.md).
type GolpSolver struct{}

// NewGolpSolver builds the default Solver.
func NewGolpSolver() *GolpSolver { return &GolpSolver{} }

// Solve translates the solver-agnostic LPModel into a golp.LP, solves it,
// and maps the result back to a Solution. ctx cancellation is honored on a
// best-effort basis: golp's Solve() call itself is not interruptible, so a
// cancelled context only prevents *starting* a solve; an in-flight solve
// still runs to completion or its own internal time limit.
func (s *GolpSolver) Solve(ctx context.Context, m *LPModel, opts SolveOptions) (Solution, error) {
	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}

	lp := golp.NewLP(0, len(m.Variables))
	for col, v := range m.Variables {
		lp.SetColName(col, v.Name)
		lp.SetBounds(col, v.Lower, v.Upper)
		if v.Kind == VarBinary {
			lp.SetInt(col, true)
		}
	}
	lp.SetObjFn(m.Objective)
	lp.SetMinimize()

	for _, c := range m.Constraints {
		row := make([]float64, len(m.Variables))
		for _, term := range c.Terms {
			row[term.Col] += term.Coeff
		}
		lp.AddConstraint(row, toGolpConstrType(c.Type), c.RHS)
	}

	if opts.TimeLimitSeconds > 0 {
		lp.SetTimeout(float64(opts.TimeLimitSeconds))
	}
	if opts.MaxMIPGap > 0 {
		lp.SetMipGap(false, opts.MaxMIPGap)
	}

	result := lp.Solve()
	sol := Solution{
		Values:    lp.Variables(),
		Objective: lp.Objective(),
	}
	switch result {
	case golp.OPTIMAL, golp.SUBOPTIMAL:
		sol.Status = StatusOptimal
		if result == golp.SUBOPTIMAL {
			sol.Status = StatusTimeout
		}
	case golp.INFEASIBLE, golp.NOMEMORY, golp.UNBOUNDED:
		sol.Status = StatusInfeasible
	default:
		sol.Status = StatusInfeasible
	}
	return sol, nil
}

func toGolpConstrType(t ConstrType) golp.ConstrType {
	switch t {
	case LE:
		return golp.LE
	case GE:
		return golp.GE
	default:
		return golp.EQ
	}
}
