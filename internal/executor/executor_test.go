package executor

import (
	"context"
	"testing"
	"time"

	"github.com/devskill-org/kepler-ems/internal/actuator"
	"github.com/devskill-org/kepler-ems/internal/config"
	"github.com/devskill-org/kepler-ems/internal/model"
)

type fakeStore struct {
	slot         model.PlannedSlot
	hasSlot      bool
	slotErr      error
	ledger       model.LedgerRecord
	records      []model.ExecutionRecord
	savedLedgers []model.LedgerRecord
}

func (f *fakeStore) GetSlotForTime(ctx context.Context, timestamp time.Time) (model.PlannedSlot, bool, error) {
	return f.slot, f.hasSlot, f.slotErr
}

func (f *fakeStore) AppendExecutionRecord(ctx context.Context, rec model.ExecutionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) UpsertBatteryCost(ctx context.Context, rec model.LedgerRecord) error {
	f.ledger = rec
	f.savedLedgers = append(f.savedLedgers, rec)
	return nil
}

func (f *fakeStore) ReadBatteryCost(ctx context.Context) (model.LedgerRecord, error) {
	return f.ledger, nil
}

type sensorValue struct {
	v  float64
	ok bool
}

type fakeActuator struct {
	sensors   map[actuator.SensorID]sensorValue
	sensorErr error

	workMode       actuator.WorkMode
	gridCharge     bool
	chargeCurrentA float64
	socTarget      float64
	waterTempC     float64

	calls map[string]int
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{sensors: map[actuator.SensorID]sensorValue{}, calls: map[string]int{}}
}

func (f *fakeActuator) GetSensor(ctx context.Context, id actuator.SensorID) (float64, bool, error) {
	if f.sensorErr != nil {
		return 0, false, f.sensorErr
	}
	sv, ok := f.sensors[id]
	return sv.v, ok, nil
}

func (f *fakeActuator) SetWorkMode(ctx context.Context, mode actuator.WorkMode) error {
	f.calls["set_work_mode"]++
	f.workMode = mode
	return nil
}

func (f *fakeActuator) SetGridChargeEnabled(ctx context.Context, enabled bool) error {
	f.calls["set_grid_charge_enabled"]++
	f.gridCharge = enabled
	return nil
}

func (f *fakeActuator) SetChargeCurrent(ctx context.Context, amps float64) error {
	f.calls["set_charge_current"]++
	f.chargeCurrentA = amps
	return nil
}

func (f *fakeActuator) SetSOCTarget(ctx context.Context, percent float64) error {
	f.calls["set_soc_target"]++
	f.socTarget = percent
	return nil
}

func (f *fakeActuator) SetWaterTemp(ctx context.Context, celsius float64) error {
	f.calls["set_water_temp"]++
	f.waterTempC = celsius
	return nil
}

func testExecutorConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Battery.MinSOCPercent = 10
	cfg.Battery.MaxSOCPercent = 90
	cfg.Executor.SafetyMarginPercent = 2
	cfg.Executor.NominalBusVoltage = 230
	cfg.Executor.MaxChargeAmps = 32
	cfg.Executor.TickSeconds = 300
	return cfg
}

func TestTickLowSoCOverrideForcesZeroExport(t *testing.T) {
	cfg := testExecutorConfig()
	store := &fakeStore{hasSlot: true, slot: model.PlannedSlot{
		StartTime:        time.Now(),
		Classification:   model.ClassificationDischarge,
		DischargeKW:      3,
		SOCTargetPercent: 50,
	}}
	act := newFakeActuator()
	act.sensors[actuator.SensorBatterySOCPercent] = sensorValue{v: 12, ok: true}

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if act.workMode != actuator.WorkModeZeroExport {
		t.Errorf("work mode = %q, want zero_export", act.workMode)
	}
	if len(store.records) != 1 || store.records[0].OverrideType != model.OverrideLowSoC {
		t.Fatalf("expected a LowSoC override record, got %+v", store.records)
	}
}

func TestTickNoOverrideFollowsPlan(t *testing.T) {
	cfg := testExecutorConfig()
	store := &fakeStore{hasSlot: true, slot: model.PlannedSlot{
		StartTime:        time.Now(),
		Classification:   model.ClassificationCharge,
		ChargeKW:         2.3,
		SOCTargetPercent: 60,
		ImportPrice:      1.0,
	}}
	act := newFakeActuator()
	act.sensors[actuator.SensorBatterySOCPercent] = sensorValue{v: 50, ok: true}
	act.sensors[actuator.SensorPVPowerKW] = sensorValue{v: 0, ok: true}
	act.sensors[actuator.SensorLoadPowerKW] = sensorValue{v: 1, ok: true}

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if act.workMode != actuator.WorkModeCharge {
		t.Errorf("work mode = %q, want charge", act.workMode)
	}
	wantAmps := 2.3 * 1000 / 230
	if absDiff(act.chargeCurrentA, wantAmps) > 0.01 {
		t.Errorf("charge current = %v, want %v", act.chargeCurrentA, wantAmps)
	}
	if store.records[0].OverrideType != model.OverrideNone {
		t.Errorf("override = %q, want none", store.records[0].OverrideType)
	}
}

func TestTickIdempotentSecondTickIssuesNoCommands(t *testing.T) {
	cfg := testExecutorConfig()
	slot := model.PlannedSlot{StartTime: time.Now(), Classification: model.ClassificationHold, SOCTargetPercent: 50}
	store := &fakeStore{hasSlot: true, slot: slot}
	act := newFakeActuator()
	act.sensors[actuator.SensorBatterySOCPercent] = sensorValue{v: 50, ok: true}
	act.sensors[actuator.SensorPVPowerKW] = sensorValue{v: 0, ok: true}
	act.sensors[actuator.SensorLoadPowerKW] = sensorValue{v: 1, ok: true}

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())
	firstCalls := map[string]int{}
	for k, v := range act.calls {
		firstCalls[k] = v
	}

	e.Tick(context.Background())
	for k, v := range act.calls {
		if v != firstCalls[k] {
			t.Errorf("second identical tick issued %s again: %d calls, want %d", k, v, firstCalls[k])
		}
	}
}

func TestTickActuatorUnreachableSkipsLedgerUpdate(t *testing.T) {
	cfg := testExecutorConfig()
	store := &fakeStore{hasSlot: true, slot: model.PlannedSlot{StartTime: time.Now()}}
	act := newFakeActuator()
	act.sensorErr = context.DeadlineExceeded

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if len(store.records) != 1 || store.records[0].Result != model.ExecutionFailed {
		t.Fatalf("expected a Failed record, got %+v", store.records)
	}
	if len(store.savedLedgers) != 0 {
		t.Error("expected no ledger update on actuator failure")
	}
}

func TestTickMissingSlotEntersIdleState(t *testing.T) {
	cfg := testExecutorConfig()
	store := &fakeStore{hasSlot: false}
	act := newFakeActuator()

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if act.workMode != actuator.WorkModeZeroExport {
		t.Errorf("idle work mode = %q, want zero_export", act.workMode)
	}
	if act.waterTempC != cfg.WaterHeater.TempOffC {
		t.Errorf("idle water temp = %v, want %v", act.waterTempC, cfg.WaterHeater.TempOffC)
	}
}

func TestTickManualPauseForcesSafeState(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Executor.Paused = true
	store := &fakeStore{hasSlot: true, slot: model.PlannedSlot{
		StartTime:      time.Now(),
		Classification: model.ClassificationCharge,
		ChargeKW:       3,
	}}
	act := newFakeActuator()
	act.sensors[actuator.SensorBatterySOCPercent] = sensorValue{v: 50, ok: true}

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if act.workMode != actuator.WorkModeZeroExport {
		t.Errorf("paused work mode = %q, want zero_export", act.workMode)
	}
	if store.records[0].OverrideType != model.OverrideNotifyOnly {
		t.Errorf("override = %q, want notify_only", store.records[0].OverrideType)
	}
}

func TestUpdateLedgerAccruesChargeCost(t *testing.T) {
	cfg := testExecutorConfig()
	store := &fakeStore{hasSlot: true}
	act := newFakeActuator()
	e := New(store, act, cfg, nil)

	slot := model.PlannedSlot{ImportPrice: 1.0, Classification: model.ClassificationCharge}
	e.setPrevSOC(40)
	e.updateLedger(context.Background(), 50, slot) // +10% of capacity charged

	if len(store.savedLedgers) != 1 {
		t.Fatalf("expected one ledger save, got %d", len(store.savedLedgers))
	}
	got := store.savedLedgers[0]
	if got.StoredKWh <= 0 {
		t.Errorf("stored_kwh = %v, want > 0", got.StoredKWh)
	}
}

func TestDryRunModeIssuesNoActuatorCalls(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.DryRun = true
	store := &fakeStore{hasSlot: true, slot: model.PlannedSlot{
		StartTime:      time.Now(),
		Classification: model.ClassificationCharge,
		ChargeKW:       2,
	}}
	act := newFakeActuator()
	act.sensors[actuator.SensorBatterySOCPercent] = sensorValue{v: 50, ok: true}
	act.sensors[actuator.SensorPVPowerKW] = sensorValue{v: 0, ok: true}
	act.sensors[actuator.SensorLoadPowerKW] = sensorValue{v: 1, ok: true}

	e := New(store, act, cfg, nil)
	e.Tick(context.Background())

	if len(act.calls) != 0 {
		t.Errorf("dry-run issued actuator calls: %+v", act.calls)
	}
}
