package wsbroadcast

import (
	"testing"
	"time"

	"github.com/devskill-org/kepler-ems/internal/model"
)

func TestRound2(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{1.005, 1.0}, // binary float truncation, not a banker's rounding edge case
		{1.004, 1.0},
		{1.006, 1.01},
		{-1.006, -1.01},
		{0, 0},
	}
	for _, c := range cases {
		if got := round2(c.in); got != c.want {
			t.Errorf("round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestToWireMessageRoundsAndFormats(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched := model.Schedule{
		Meta: model.ScheduleMeta{
			PlannedAt:      start,
			PlannerVersion: "kepler-1",
			HorizonStart:   start,
			HorizonEnd:     start.Add(48 * time.Hour),
		},
		Slots: []model.PlannedSlot{
			{
				StartTime:           start,
				ChargeKW:            1.23456,
				Classification:      model.ClassificationCharge,
				ProjectedSOCPercent: 55.555,
			},
		},
	}
	msg := toWireMessage(sched)
	if msg.PlannerVersion != "kepler-1" {
		t.Errorf("PlannerVersion = %q", msg.PlannerVersion)
	}
	if len(msg.Slots) != 1 {
		t.Fatalf("len(Slots) = %d, want 1", len(msg.Slots))
	}
	if msg.Slots[0].ChargeKW != 1.23 {
		t.Errorf("ChargeKW = %v, want 1.23", msg.Slots[0].ChargeKW)
	}
	if msg.Slots[0].Classification != "charge" {
		t.Errorf("Classification = %q, want charge", msg.Slots[0].Classification)
	}
}
