// Package executor implements the 5-minute real-time control loop (spec.md
// §4.E): read the currently active slot, apply safety overrides, dispatch
// idempotent commands to the Actuator, and update the Battery Cost Ledger
// (the "Accountant"). It never re-plans and never propagates actuator
// errors upward, mirroring the teacher's periodic-task shape
// (scheduler/scheduler.go's PeriodicTask) generalized to a real-time tick
// (executor.tick_seconds, 300 s by default) instead of a miner-control interval.
package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/kepler-ems/internal/actuator"
	"github.com/devskill-org/kepler-ems/internal/config"
	"github.com/devskill-org/kepler-ems/internal/model"
)

// chargeCurrentHysteresisA is the spec.md §4.E example hysteresis band:
// "current within ±5 A is considered unchanged".
const chargeCurrentHysteresisA = 5.0

// socTargetHysteresisPercent avoids re-issuing set_soc_target for
// sub-percent projection jitter between consecutive slots.
const socTargetHysteresisPercent = 1.0

// clockSkewWarnThreshold is spec.md §4.E's "clock skew > 2 min from slot grid".
const clockSkewWarnThreshold = 2 * time.Minute

// Store is the subset of store.Store the Executor needs.
type Store interface {
	GetSlotForTime(ctx context.Context, timestamp time.Time) (model.PlannedSlot, bool, error)
	AppendExecutionRecord(ctx context.Context, rec model.ExecutionRecord) error
	UpsertBatteryCost(ctx context.Context, rec model.LedgerRecord) error
	ReadBatteryCost(ctx context.Context) (model.LedgerRecord, error)
}

// commands is the desired actuator state computed for a tick, before the
// idempotent dispatch filter is applied.
type commands struct {
	WorkMode          actuator.WorkMode
	GridChargeEnabled bool
	ChargeCurrentA    float64
	SOCTargetPercent  float64
	WaterTempC        float64
}

// Executor runs one control-loop tick at a time; Tick is not safe to call
// concurrently with itself (the caller's periodic task owns serialization).
type Executor struct {
	store  Store
	act    actuator.Actuator
	cfg    *config.Config
	logger *log.Logger

	mu       sync.Mutex
	prevSOC  *float64 // the prior tick's soc_before_percent, for the ledger's delta
	lastCmds *commands
}

// New builds an Executor.
func New(store Store, act actuator.Actuator, cfg *config.Config, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{store: store, act: act, cfg: cfg, logger: logger}
}

// Tick runs one FetchSlot → ReadState → EvaluateOverrides → ComputeCommands →
// DispatchCommands → UpdateLedger → LogRecord pass.
func (e *Executor) Tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	slot, ok, err := e.store.GetSlotForTime(ctx, now)
	if err != nil {
		e.logger.Printf("[EXECUTOR] failed to fetch active slot: %v", err)
		return
	}
	if !ok {
		e.dispatchIdle(ctx, now, start)
		return
	}

	if skew := now.Sub(slot.StartTime); skew > clockSkewWarnThreshold || skew < -clockSkewWarnThreshold {
		e.logger.Printf("[EXECUTOR] clock skew warning: now=%s slot_start=%s skew=%s", now.Format(time.RFC3339), slot.StartTime.Format(time.RFC3339), skew)
	}

	socBefore, socOK, err := e.act.GetSensor(ctx, actuator.SensorBatterySOCPercent)
	if err != nil || !socOK {
		e.logger.Printf("[EXECUTOR] actuator unreachable reading soc: err=%v ok=%v", err, socOK)
		e.logRecord(ctx, now, slot, 0, commands{}, model.OverrideNone, model.ExecutionFailed, "ActuatorUnreachable", time.Since(start))
		return
	}

	override, cmd := e.evaluateOverrides(ctx, slot, socBefore)

	result, failureReason := e.dispatch(ctx, cmd)

	if result == model.ExecutionSuccess && !e.cfg.DryRun {
		e.updateLedger(ctx, socBefore, slot)
	}
	e.setPrevSOC(socBefore)

	e.logRecord(ctx, now, slot, socBefore, cmd, override, result, failureReason, time.Since(start))
}

// dispatchIdle enters the safe idle state spec.md §4.E names for a missing
// slot: no grid charge, no export, water heater off.
func (e *Executor) dispatchIdle(ctx context.Context, now time.Time, start time.Time) {
	cmd := commands{
		WorkMode:          actuator.WorkModeZeroExport,
		GridChargeEnabled: false,
		ChargeCurrentA:    0,
		SOCTargetPercent:  0,
		WaterTempC:        e.cfg.WaterHeater.TempOffC,
	}
	result, reason := e.dispatch(ctx, cmd)
	e.logRecord(ctx, now, model.PlannedSlot{StartTime: now}, 0, cmd, model.OverrideNotifyOnly, result, joinFailure("no_active_slot", reason), time.Since(start))
}

// evaluateOverrides applies the three override rules in this order: manual
// pause (O3) first, then LowSoC (O1), then ExcessPV (O2); the first to fire
// short-circuits the rest, so a paused executor never reaches O1 or O2.
func (e *Executor) evaluateOverrides(ctx context.Context, slot model.PlannedSlot, socBefore float64) (model.OverrideType, commands) {
	cfg := e.cfg

	if cfg.Executor.Paused {
		return model.OverrideNotifyOnly, commands{
			WorkMode:          actuator.WorkModeZeroExport,
			GridChargeEnabled: false,
			ChargeCurrentA:    0,
			SOCTargetPercent:  socBefore,
			WaterTempC:        cfg.WaterHeater.TempOffC,
		}
	}

	if socBefore <= cfg.Battery.MinSOCPercent+cfg.Executor.SafetyMarginPercent {
		return model.OverrideLowSoC, commands{
			WorkMode:          actuator.WorkModeZeroExport,
			GridChargeEnabled: false,
			ChargeCurrentA:    0,
			SOCTargetPercent:  slot.SOCTargetPercent,
			WaterTempC:        cfg.WaterHeater.TempOffC,
		}
	}

	pvLive, pvOK, _ := e.act.GetSensor(ctx, actuator.SensorPVPowerKW)
	loadLive, loadOK, _ := e.act.GetSensor(ctx, actuator.SensorLoadPowerKW)
	if pvOK && loadOK && pvLive > loadLive && socBefore >= cfg.Battery.MaxSOCPercent-2 {
		workMode := actuator.WorkModeZeroExport
		if cfg.Export.Enabled && slot.ExportPrice > 0 {
			workMode = actuator.WorkModeExport
		}
		return model.OverrideExcessPV, commands{
			WorkMode:          workMode,
			GridChargeEnabled: false,
			ChargeCurrentA:    0,
			SOCTargetPercent:  slot.SOCTargetPercent,
			WaterTempC:        cfg.WaterHeater.TempBoostC,
		}
	}

	return model.OverrideNone, e.commandsFromSlot(slot)
}

// commandsFromSlot computes the plan-following commands for the active slot.
func (e *Executor) commandsFromSlot(slot model.PlannedSlot) commands {
	cfg := e.cfg

	var workMode actuator.WorkMode
	gridCharge := false
	switch slot.Classification {
	case model.ClassificationExport:
		workMode = actuator.WorkModeExport
	case model.ClassificationCharge:
		workMode = actuator.WorkModeCharge
		gridCharge = true
	case model.ClassificationPVCharge:
		workMode = actuator.WorkModeCharge
		gridCharge = false
	default:
		workMode = actuator.WorkModeZeroExport
	}

	chargeCurrentA := slot.ChargeKW * 1000 / cfg.Executor.NominalBusVoltage
	if chargeCurrentA < 0 {
		chargeCurrentA = 0
	}
	if chargeCurrentA > cfg.Executor.MaxChargeAmps {
		chargeCurrentA = cfg.Executor.MaxChargeAmps
	}

	waterTemp := cfg.WaterHeater.TempOffC
	if slot.WaterHeatActive {
		waterTemp = cfg.WaterHeater.TempNormalC
	}

	return commands{
		WorkMode:          workMode,
		GridChargeEnabled: gridCharge,
		ChargeCurrentA:    chargeCurrentA,
		SOCTargetPercent:  slot.SOCTargetPercent,
		WaterTempC:        waterTemp,
	}
}

// dispatch issues only the commands that differ from the last tick's
// dispatched state beyond hysteresis (property P6), honoring config.DryRun.
func (e *Executor) dispatch(ctx context.Context, cmd commands) (model.ExecutionResult, string) {
	e.mu.Lock()
	last := e.lastCmds
	e.mu.Unlock()

	var failures []string
	issue := func(label string, fn func() error) {
		if e.cfg.DryRun {
			e.logger.Printf("[EXECUTOR] (dry-run) would issue %s", label)
			return
		}
		if err := fn(); err != nil {
			e.logger.Printf("[EXECUTOR] command %s failed: %v", label, err)
			failures = append(failures, label)
		}
	}

	if last == nil || last.WorkMode != cmd.WorkMode {
		issue("set_work_mode", func() error { return e.act.SetWorkMode(ctx, cmd.WorkMode) })
	}
	if last == nil || last.GridChargeEnabled != cmd.GridChargeEnabled {
		issue("set_grid_charge_enabled", func() error { return e.act.SetGridChargeEnabled(ctx, cmd.GridChargeEnabled) })
	}
	if last == nil || absDiff(last.ChargeCurrentA, cmd.ChargeCurrentA) > chargeCurrentHysteresisA {
		issue("set_charge_current", func() error { return e.act.SetChargeCurrent(ctx, cmd.ChargeCurrentA) })
	}
	if last == nil || absDiff(last.SOCTargetPercent, cmd.SOCTargetPercent) > socTargetHysteresisPercent {
		issue("set_soc_target", func() error { return e.act.SetSOCTarget(ctx, cmd.SOCTargetPercent) })
	}
	if last == nil || last.WaterTempC != cmd.WaterTempC {
		issue("set_water_temp", func() error { return e.act.SetWaterTemp(ctx, cmd.WaterTempC) })
	}

	e.mu.Lock()
	e.lastCmds = &cmd
	e.mu.Unlock()

	if len(failures) > 0 {
		return model.ExecutionFailed, failures[0]
	}
	return model.ExecutionSuccess, ""
}

// updateLedger is the Accountant (spec.md §4.E): it derives the energy
// charged or discharged since the previous tick from the SoC delta and
// updates the single mutable ledger record.
func (e *Executor) updateLedger(ctx context.Context, socNow float64, slot model.PlannedSlot) {
	e.mu.Lock()
	prev := e.prevSOC
	e.mu.Unlock()
	if prev == nil {
		return // first tick since startup: nothing to compare against yet
	}

	deltaPercent := socNow - *prev
	deltaKWh := deltaPercent / 100 * e.cfg.Battery.CapacityKWh

	maxPlausibleKWh := e.cfg.Battery.MaxChargeKW * float64(e.cfg.Executor.TickSeconds) / 3600 * 1.5
	if e.cfg.Battery.MaxDischargeKW*float64(e.cfg.Executor.TickSeconds)/3600*1.5 > maxPlausibleKWh {
		maxPlausibleKWh = e.cfg.Battery.MaxDischargeKW * float64(e.cfg.Executor.TickSeconds) / 3600 * 1.5
	}
	if deltaKWh > maxPlausibleKWh {
		deltaKWh = maxPlausibleKWh
	}
	if deltaKWh < -maxPlausibleKWh {
		deltaKWh = -maxPlausibleKWh
	}

	ledger, err := e.store.ReadBatteryCost(ctx)
	if err != nil {
		e.logger.Printf("[EXECUTOR] failed to read battery cost ledger: %v", err)
		return
	}

	switch {
	case deltaKWh > 0:
		price := slot.ImportPrice
		if slot.Classification == model.ClassificationPVCharge {
			price = 0
		}
		ledger.Charge(deltaKWh, price)
	case deltaKWh < 0:
		ledger.Discharge(-deltaKWh)
	default:
		return
	}

	if err := e.store.UpsertBatteryCost(ctx, ledger); err != nil {
		e.logger.Printf("[EXECUTOR] failed to persist battery cost ledger: %v", err)
	}
}

func (e *Executor) setPrevSOC(soc float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := soc
	e.prevSOC = &v
}

func (e *Executor) logRecord(ctx context.Context, now time.Time, slot model.PlannedSlot, socBefore float64, cmd commands, override model.OverrideType, result model.ExecutionResult, failureReason string, latency time.Duration) {
	rec := model.ExecutionRecord{
		Timestamp:        now,
		SlotStartTime:    slot.StartTime,
		SOCBeforePercent: socBefore,
		WorkMode:         string(cmd.WorkMode),
		ChargeCurrentA:   cmd.ChargeCurrentA,
		WaterTempC:       cmd.WaterTempC,
		SOCTargetPercent: cmd.SOCTargetPercent,
		OverrideType:     override,
		Result:           result,
		FailureReason:    failureReason,
		LatencyMS:        latency.Milliseconds(),
	}
	if err := e.store.AppendExecutionRecord(ctx, rec); err != nil {
		e.logger.Printf("[EXECUTOR] failed to append execution record: %v", err)
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func joinFailure(reason, extra string) string {
	if extra == "" {
		return reason
	}
	return reason + ": " + extra
}
