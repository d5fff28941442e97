// Package store is the durable persistence layer for the EMS: the schedule,
// the execution log, the battery cost ledger, vacation state, and a
// forecast cache. It is Postgres-backed via database/sql and
// github.com/lib/pq, generalizing the teacher's transactional
// upsert-by-timestamp pattern (scheduler/mpc_persistence.go in the
// retrieval pack) to every table the spec names.
//
// All multi-table writes are serialized by a single mutex, per spec.md §5
// ("All Store operations are serialized by a single mutex guarding the
// embedded database connection; long transactions are forbidden"). Only
// SaveSchedule, the one multi-table write, takes the mutex. Single-table
// writes and all reads, including LoadSchedule's two-table read, do not;
// the database itself provides isolation for those.
package store

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/model"
)

// TxnTimeout is the hard cap on a single multi-table transaction (spec.md §5).
const TxnTimeout = 250 * time.Millisecond

// Store is the durable state backend.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes multi-table transactions
	logger *log.Logger
}

// Open connects to Postgres using connString and returns a ready Store.
// Callers are responsible for running the schema migration (see schema.sql)
// before first use.
func Open(connString string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindStoreIO, "store.Open", err, "failed to open database connection")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection pool for read-only helpers built on
// top of the Store's schema, such as forecast.NewStoreProvider, so they
// share the one connection pool instead of opening a second one.
func (s *Store) DB() *sql.DB { return s.db }

// SaveSchedule atomically overwrites the schedule and metadata. On success
// the previous schedule is no longer readable (spec.md §4.A). This is the
// Scheduler's exclusive write path.
func (s *Store) SaveSchedule(ctx context.Context, meta model.ScheduleMeta, slots []model.PlannedSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, TxnTimeout)
	defer cancel()

	const op = "store.SaveSchedule"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_slots`); err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "clear existing schedule")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_meta`); err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "clear existing schedule metadata")
	}

	var lastErrorAt sql.NullTime
	if meta.LastErrorAt != nil {
		lastErrorAt = sql.NullTime{Time: *meta.LastErrorAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedule_meta (planned_at, planner_version, horizon_start, horizon_end, last_error, last_error_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		meta.PlannedAt, meta.PlannerVersion, meta.HorizonStart, meta.HorizonEnd, meta.LastError, lastErrorAt)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "insert schedule metadata")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schedule_slots (
			start_time, charge_kw, discharge_kw, export_kw, water_heat_active,
			projected_soc_percent, soc_target_percent, classification,
			import_price, export_price, is_historical
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "prepare slot insert")
	}
	defer stmt.Close()

	for _, slot := range slots {
		_, err := stmt.ExecContext(ctx,
			slot.StartTime, slot.ChargeKW, slot.DischargeKW, slot.ExportKW, slot.WaterHeatActive,
			slot.ProjectedSOCPercent, slot.SOCTargetPercent, string(slot.Classification),
			slot.ImportPrice, slot.ExportPrice, slot.IsHistorical)
		if err != nil {
			return emserr.Wrap(emserr.KindStoreIO, op, err, "insert slot at %s", slot.StartTime)
		}
	}

	if err := tx.Commit(); err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "commit transaction")
	}

	s.logger.Printf("Saved schedule: %d slots, horizon %s..%s", len(slots), meta.HorizonStart, meta.HorizonEnd)
	return nil
}

// LoadSchedule returns the most recently saved schedule, or ok=false if none
// has ever been saved.
func (s *Store) LoadSchedule(ctx context.Context) (model.Schedule, bool, error) {
	const op = "store.LoadSchedule"

	var meta model.ScheduleMeta
	var lastErrorAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT planned_at, planner_version, horizon_start, horizon_end, last_error, last_error_at
		FROM schedule_meta LIMIT 1`)
	err := row.Scan(&meta.PlannedAt, &meta.PlannerVersion, &meta.HorizonStart, &meta.HorizonEnd, &meta.LastError, &lastErrorAt)
	if err == sql.ErrNoRows {
		return model.Schedule{}, false, nil
	}
	if err != nil {
		return model.Schedule{}, false, emserr.Wrap(emserr.KindStoreIO, op, err, "load schedule metadata")
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		meta.LastErrorAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time, charge_kw, discharge_kw, export_kw, water_heat_active,
			projected_soc_percent, soc_target_percent, classification,
			import_price, export_price, is_historical
		FROM schedule_slots ORDER BY start_time ASC`)
	if err != nil {
		return model.Schedule{}, false, emserr.Wrap(emserr.KindStoreIO, op, err, "load schedule slots")
	}
	defer rows.Close()

	var slots []model.PlannedSlot
	for rows.Next() {
		var slot model.PlannedSlot
		var classification string
		if err := rows.Scan(&slot.StartTime, &slot.ChargeKW, &slot.DischargeKW, &slot.ExportKW,
			&slot.WaterHeatActive, &slot.ProjectedSOCPercent, &slot.SOCTargetPercent, &classification,
			&slot.ImportPrice, &slot.ExportPrice, &slot.IsHistorical); err != nil {
			return model.Schedule{}, false, emserr.Wrap(emserr.KindStoreIO, op, err, "scan schedule slot")
		}
		slot.Classification = model.Classification(classification)
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return model.Schedule{}, false, emserr.Wrap(emserr.KindStoreIO, op, err, "iterate schedule slots")
	}

	return model.Schedule{Meta: meta, Slots: slots}, true, nil
}

// GetSlotForTime returns the slot whose interval contains timestamp.
func (s *Store) GetSlotForTime(ctx context.Context, timestamp time.Time) (model.PlannedSlot, bool, error) {
	sched, ok, err := s.LoadSchedule(ctx)
	if err != nil || !ok {
		return model.PlannedSlot{}, false, err
	}
	slot, ok := sched.SlotAt(timestamp)
	return slot, ok, nil
}

// AppendExecutionRecord is a strictly append-only write to the execution log.
func (s *Store) AppendExecutionRecord(ctx context.Context, rec model.ExecutionRecord) error {
	const op = "store.AppendExecutionRecord"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (
			timestamp, slot_start_time, soc_before_percent, work_mode, charge_current_a,
			water_temp_c, soc_target_percent, override_type, result, failure_reason, latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Timestamp, rec.SlotStartTime, rec.SOCBeforePercent, rec.WorkMode, rec.ChargeCurrentA,
		rec.WaterTempC, rec.SOCTargetPercent, string(rec.OverrideType), string(rec.Result),
		rec.FailureReason, rec.LatencyMS)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "insert execution record")
	}
	return nil
}

// ReadRecentExecution returns the most recent `limit` execution records,
// most-recent-first.
func (s *Store) ReadRecentExecution(ctx context.Context, limit int) ([]model.ExecutionRecord, error) {
	const op = "store.ReadRecentExecution"
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, slot_start_time, soc_before_percent, work_mode, charge_current_a,
			water_temp_c, soc_target_percent, override_type, result, failure_reason, latency_ms
		FROM execution_log ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindStoreIO, op, err, "query execution log")
	}
	defer rows.Close()

	var records []model.ExecutionRecord
	for rows.Next() {
		var rec model.ExecutionRecord
		var overrideType, result string
		if err := rows.Scan(&rec.Timestamp, &rec.SlotStartTime, &rec.SOCBeforePercent, &rec.WorkMode,
			&rec.ChargeCurrentA, &rec.WaterTempC, &rec.SOCTargetPercent, &overrideType, &result,
			&rec.FailureReason, &rec.LatencyMS); err != nil {
			return nil, emserr.Wrap(emserr.KindStoreIO, op, err, "scan execution record")
		}
		rec.OverrideType = model.OverrideType(overrideType)
		rec.Result = model.ExecutionResult(result)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertBatteryCost overwrites the single ledger record.
func (s *Store) UpsertBatteryCost(ctx context.Context, rec model.LedgerRecord) error {
	const op = "store.UpsertBatteryCost"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battery_cost_ledger (id, stored_kwh, total_cost_sek) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET stored_kwh = EXCLUDED.stored_kwh, total_cost_sek = EXCLUDED.total_cost_sek`,
		rec.StoredKWh, rec.TotalCostSEK)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "upsert battery cost ledger")
	}
	return nil
}

// ReadBatteryCost returns the single ledger record, or a zero record if none
// has been written yet.
func (s *Store) ReadBatteryCost(ctx context.Context) (model.LedgerRecord, error) {
	const op = "store.ReadBatteryCost"
	var rec model.LedgerRecord
	err := s.db.QueryRowContext(ctx, `SELECT stored_kwh, total_cost_sek FROM battery_cost_ledger WHERE id = 1`).
		Scan(&rec.StoredKWh, &rec.TotalCostSEK)
	if err == sql.ErrNoRows {
		return model.LedgerRecord{}, nil
	}
	if err != nil {
		return model.LedgerRecord{}, emserr.Wrap(emserr.KindStoreIO, op, err, "read battery cost ledger")
	}
	return rec, nil
}

// ReadVacationState returns the current vacation state.
func (s *Store) ReadVacationState(ctx context.Context) (model.VacationState, error) {
	const op = "store.ReadVacationState"
	var v model.VacationState
	var endDate, lastALAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, end_date, last_anti_legionella_at FROM vacation_state WHERE id = 1`).
		Scan(&v.Enabled, &endDate, &lastALAt)
	if err == sql.ErrNoRows {
		return model.VacationState{}, nil
	}
	if err != nil {
		return model.VacationState{}, emserr.Wrap(emserr.KindStoreIO, op, err, "read vacation state")
	}
	if endDate.Valid {
		t := endDate.Time
		v.EndDate = &t
	}
	if lastALAt.Valid {
		t := lastALAt.Time
		v.LastAntiLegionellaAt = &t
	}
	return v, nil
}

// SaveVacationState overwrites the single vacation state record.
func (s *Store) SaveVacationState(ctx context.Context, v model.VacationState) error {
	const op = "store.SaveVacationState"
	var endDate, lastALAt sql.NullTime
	if v.EndDate != nil {
		endDate = sql.NullTime{Time: *v.EndDate, Valid: true}
	}
	if v.LastAntiLegionellaAt != nil {
		lastALAt = sql.NullTime{Time: *v.LastAntiLegionellaAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vacation_state (id, enabled, end_date, last_anti_legionella_at) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, end_date = EXCLUDED.end_date,
			last_anti_legionella_at = EXCLUDED.last_anti_legionella_at`,
		v.Enabled, endDate, lastALAt)
	if err != nil {
		return emserr.Wrap(emserr.KindStoreIO, op, err, "save vacation state")
	}
	return nil
}

// GetHistoricalExecutedSlots returns execution-log rows for the given local
// calendar date, reshaped as Planned Slots with IsHistorical=true, for the
// Planner's historical-merge post-processing step (spec.md §4.C).
func (s *Store) GetHistoricalExecutedSlots(ctx context.Context, date time.Time) ([]model.PlannedSlot, error) {
	const op = "store.GetHistoricalExecutedSlots"
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_start_time, soc_target_percent, soc_before_percent, work_mode, water_temp_c
		FROM execution_log
		WHERE slot_start_time >= $1 AND slot_start_time < $2
		ORDER BY slot_start_time ASC`, dayStart, dayEnd)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindStoreIO, op, err, "query execution log for %s", dayStart)
	}
	defer rows.Close()

	var slots []model.PlannedSlot
	for rows.Next() {
		var startTime time.Time
		var socTarget, socBefore, waterTempC float64
		var workMode string
		if err := rows.Scan(&startTime, &socTarget, &socBefore, &workMode, &waterTempC); err != nil {
			return nil, emserr.Wrap(emserr.KindStoreIO, op, err, "scan historical slot")
		}
		slot := model.PlannedSlot{
			StartTime:           startTime,
			ProjectedSOCPercent: socTarget,
			SOCTargetPercent:    socTarget,
			IsHistorical:        true,
			ActualSOCPercent:    &socBefore,
		}
		switch workMode {
		case "charge":
			slot.Classification = model.ClassificationCharge
		case "export":
			slot.Classification = model.ClassificationExport
		default:
			if waterTempC > 0 {
				slot.Classification = model.ClassificationWaterHeat
			} else {
				slot.Classification = model.ClassificationHold
			}
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}
