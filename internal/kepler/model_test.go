package kepler

import (
	"testing"
	"time"
)

func baseRequest(n int) Request {
	imp := make([]float64, n)
	exp := make([]float64, n)
	pv := make([]float64, n)
	load := make([]float64, n)
	for i := range imp {
		imp[i] = 1.0
		exp[i] = 0.5
		pv[i] = 0
		load[i] = 1
	}
	return Request{
		HorizonSlots:        n,
		SlotStart:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ImportPrice:         imp,
		ExportPrice:         exp,
		PVKWh:               pv,
		LoadKWh:             load,
		CapacityKWh:         10,
		MinSOCPercent:       10,
		MaxSOCPercent:       100,
		MaxChargeKW:         5,
		MaxDischargeKW:      5,
		RoundtripEfficiency: 0.9,
		SOC0Percent:         50,
	}
}

func TestBuildModelColumnsPerSlot(t *testing.T) {
	req := baseRequest(4)
	m, idx := BuildModel(req, 0.5, false)

	for i := 0; i < 4; i++ {
		if idx.Charge[i] < 0 || idx.Charge[i] >= len(m.Variables) {
			t.Fatalf("charge index out of range at t=%d", i)
		}
	}
	if len(m.Variables) == 0 {
		t.Fatal("expected non-empty variable list")
	}
}

func TestBuildModelExportPinnedWhenDisabled(t *testing.T) {
	req := baseRequest(2)
	req.Export.Enabled = false
	m, idx := BuildModel(req, 0, false)
	for _, col := range idx.Export {
		v := m.Variables[col]
		if v.Upper != 0 {
			t.Errorf("export upper bound = %v, want 0 when export disabled", v.Upper)
		}
	}
}

func TestBuildModelExportBoundedWhenEnabled(t *testing.T) {
	req := baseRequest(2)
	req.Export.Enabled = true
	req.Export.MaxExportKW = 3
	m, idx := BuildModel(req, 0, false)
	for _, col := range idx.Export {
		if m.Variables[col].Upper != 3 {
			t.Errorf("export upper bound = %v, want 3", m.Variables[col].Upper)
		}
	}
}

func TestBuildModelWaterHeatPinnedWhenDisabled(t *testing.T) {
	req := baseRequest(2)
	req.WaterHeater.Enabled = false
	m, idx := BuildModel(req, 0, false)
	for _, col := range idx.WaterHeat {
		if m.Variables[col].Upper != 0 {
			t.Errorf("water heat upper bound = %v, want 0 when disabled", m.Variables[col].Upper)
		}
	}
}

func TestBuildModelSOCDynamicsFirstSlotUsesSOC0(t *testing.T) {
	req := baseRequest(3)
	m, _ := BuildModel(req, 0, false)
	var found bool
	for _, c := range m.Constraints {
		if c.Name == "soc_dyn[0]" {
			found = true
			if c.Type != EQ {
				t.Errorf("soc_dyn[0] type = %v, want EQ", c.Type)
			}
			if c.RHS != req.SOC0Percent {
				t.Errorf("soc_dyn[0] RHS = %v, want %v", c.RHS, req.SOC0Percent)
			}
		}
	}
	if !found {
		t.Fatal("soc_dyn[0] constraint not found")
	}
}

func TestBuildModelMutualExclusionBounds(t *testing.T) {
	req := baseRequest(1)
	m, idx := BuildModel(req, 0, false)
	if m.Variables[idx.Selector[0]].Kind != VarBinary {
		t.Error("selector z[t] must be binary")
	}
	if m.Variables[idx.Charge[0]].Upper != req.MaxChargeKW {
		t.Errorf("charge upper = %v, want %v", m.Variables[idx.Charge[0]].Upper, req.MaxChargeKW)
	}
}

func TestBuildModelWaterHeatingDailyMinimum(t *testing.T) {
	req := baseRequest(4)
	req.WaterHeater = WaterHeaterParams{
		Enabled:      true,
		PowerKW:      2,
		MinKWhPerDay: 1,
	}
	m, _ := BuildModel(req, 0, false)
	var found bool
	for _, c := range m.Constraints {
		if c.Name == "water_daily_min[0]" {
			found = true
			if c.Type != GE {
				t.Errorf("water_daily_min type = %v, want GE", c.Type)
			}
			if c.RHS != 1 {
				t.Errorf("water_daily_min RHS = %v, want 1", c.RHS)
			}
		}
	}
	if !found {
		t.Fatal("expected a water_daily_min constraint when water heating is enabled")
	}
}

func TestBuildModelVacationZeroesDailyMinimum(t *testing.T) {
	req := baseRequest(4)
	req.WaterHeater = WaterHeaterParams{Enabled: true, PowerKW: 2, MinKWhPerDay: 5}
	req.Vacation.Enabled = true
	m, _ := BuildModel(req, 0, false)
	for _, c := range m.Constraints {
		if c.Name == "water_daily_min[0]" {
			t.Errorf("expected no daily-minimum constraint during vacation mode, got RHS=%v", c.RHS)
		}
	}
}

func TestBuildModelTerminalValueAppliesToLastSlot(t *testing.T) {
	req := baseRequest(3)
	tv := 0.4
	m, idx := BuildModel(req, tv, false)
	want := -tv * req.CapacityKWh / 100
	got := m.Objective[idx.SOC[len(idx.SOC)-1]]
	if got != want {
		t.Errorf("objective coefficient on soc[N-1] = %v, want %v", got, want)
	}
	for i := 0; i < len(idx.SOC)-1; i++ {
		if m.Objective[idx.SOC[i]] != 0 {
			t.Errorf("soc[%d] should carry no terminal-value coefficient, got %v", i, m.Objective[idx.SOC[i]])
		}
	}
}
