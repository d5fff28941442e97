// Package scheduler runs the periodic planning cycle (§4.D): it gathers the
// forecast and current battery state, invokes the Planner, and persists and
// broadcasts the result, on the schedule named by config.Scheduler and the
// catch-up/coalescing rules below. It mirrors the teacher's PeriodicTask/
// MinerScheduler shape (scheduler/scheduler.go) generalized from a fixed
// interval to a set of local clock-of-day triggers.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/devskill-org/kepler-ems/internal/actuator"
	"github.com/devskill-org/kepler-ems/internal/config"
	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/forecast"
	"github.com/devskill-org/kepler-ems/internal/kepler"
	"github.com/devskill-org/kepler-ems/internal/model"
	"github.com/devskill-org/kepler-ems/internal/pubsub"
)

// PlanTimeout bounds a single planning cycle's call into the Planner
// (spec.md §4.D: "a plan cycle that has not finished within 60s is treated
// as a SolverTimeout").
const PlanTimeout = 60 * time.Second

// minUsableSlots is the shortest truncated horizon a plan cycle will still
// solve for, rather than give up with ForecastUnavailable: one hour.
const minUsableSlots = 4

// Store is the subset of store.Store the Scheduler needs.
type Store interface {
	LoadSchedule(ctx context.Context) (model.Schedule, bool, error)
	SaveSchedule(ctx context.Context, meta model.ScheduleMeta, slots []model.PlannedSlot) error
	GetHistoricalExecutedSlots(ctx context.Context, date time.Time) ([]model.PlannedSlot, error)
	ReadVacationState(ctx context.Context) (model.VacationState, error)
	SaveVacationState(ctx context.Context, v model.VacationState) error
}

// Planner is the subset of kepler.Planner the Scheduler needs, narrowed so
// tests can substitute a fake without building a real LPModel.
type Planner interface {
	Plan(ctx context.Context, req kepler.Request, historical []model.PlannedSlot, plannedAt time.Time) (model.Schedule, error)
}

// SOCReader is the subset of actuator.Actuator the Scheduler needs to read
// the current battery SoC before planning.
type SOCReader interface {
	GetSensor(ctx context.Context, id actuator.SensorID) (value float64, ok bool, err error)
}

// Scheduler runs the periodic planning cycle.
type Scheduler struct {
	store    Store
	forecast forecast.Provider
	planner  Planner
	soc      SOCReader
	bus      *pubsub.Bus
	config   *config.Config
	logger   *log.Logger
	jitterFn func() time.Duration // injectable for deterministic tests
	nowFn    func() time.Time     // injectable for deterministic catch-up tests

	mu           sync.Mutex
	isRunning    bool
	inFlight     bool
	pendingRerun bool
	stopChan     chan struct{}
}

// New builds a Scheduler. cfg is read fresh on every cycle via GetConfig-
// style access is unnecessary here since Config is not mutated concurrently
// by this package; callers that hot-reload config should construct a new
// Scheduler.
func New(store Store, fc forecast.Provider, planner Planner, soc SOCReader, bus *pubsub.Bus, cfg *config.Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:    store,
		forecast: fc,
		planner:  planner,
		soc:      soc,
		bus:      bus,
		config:   cfg,
		logger:   logger,
		jitterFn: func() time.Duration {
			if cfg.Scheduler.JitterSeconds <= 0 {
				return 0
			}
			return time.Duration(rand.Intn(cfg.Scheduler.JitterSeconds+1)) * time.Second
		},
		nowFn: time.Now,
	}
}

// pollInterval is spec.md §4.D's "internal 1-minute timer" that drives
// catch-up detection.
const pollInterval = 1 * time.Minute

// Start runs the catch-up poll loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return emserr.New(emserr.KindConfigInvalid, "scheduler.Start", "scheduler already running")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Printf("[SCHEDULER] starting, triggers=%v jitter=%ds", s.config.Scheduler.TriggerTimesLocal, s.config.Scheduler.JitterSeconds)

	// Check once immediately so a missed trigger (e.g. the process was down
	// across one or more trigger times) is caught up without waiting out a
	// full poll interval first (spec.md §4.D S3).
	s.maybeCatchUp(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maybeCatchUp(ctx)
		case <-ctx.Done():
			s.logger.Printf("[SCHEDULER] stopping: %v", ctx.Err())
			s.stop()
			return nil
		case <-s.stopChan:
			s.logger.Printf("[SCHEDULER] stopped")
			return nil
		}
	}
}

// maybeCatchUp implements spec.md §4.D's catch-up logic verbatim: compute
// the most recent scheduled trigger time that is <= now; if the last
// successful plan's planned_at is earlier than that trigger time, run a
// plan cycle now. Because runCoalesced's completion always leaves a fresh
// planned_at >= the trigger that caused it, this never fires twice for the
// same trigger (P5), whether it's catching up K missed triggers or simply
// running the one that just elapsed.
func (s *Scheduler) maybeCatchUp(ctx context.Context) {
	trigger := s.mostRecentTriggerLEQ(s.nowFn())
	if trigger.IsZero() {
		return
	}

	lastPlannedAt, err := s.lastPlannedAt(ctx)
	if err != nil {
		s.logger.Printf("[SCHEDULER] failed to read last planned_at for catch-up check: %v", err)
		return
	}
	if !lastPlannedAt.Before(trigger) {
		return
	}

	if j := s.jitterFn(); j > 0 {
		select {
		case <-time.After(j):
		case <-ctx.Done():
			return
		}
	}
	s.runCoalesced(ctx)
}

// lastPlannedAt returns the planned_at of the most recently persisted
// schedule, or the zero time if none has ever been saved (so the very
// first trigger always runs).
func (s *Scheduler) lastPlannedAt(ctx context.Context) (time.Time, error) {
	sched, ok, err := s.store.LoadSchedule(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	return sched.Meta.PlannedAt, nil
}

// Stop signals the trigger loop to exit.
func (s *Scheduler) Stop() {
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
}

// IsRunning reports whether the trigger loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// mostRecentTriggerLEQ returns the latest time-of-day in
// config.Scheduler.TriggerTimesLocal that is <= now, interpreted in
// config.Location (falling back to UTC), considering both today's and
// yesterday's occurrence of each configured time. Returns the zero time if
// no trigger is configured.
func (s *Scheduler) mostRecentTriggerLEQ(now time.Time) time.Time {
	loc, err := time.LoadLocation(s.config.Location)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	var best time.Time
	for _, hhmm := range s.config.Scheduler.TriggerTimesLocal {
		t, err := time.ParseInLocation("15:04", hhmm, loc)
		if err != nil {
			continue
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if candidate.After(local) {
			candidate = candidate.AddDate(0, 0, -1)
		}
		if best.IsZero() || candidate.After(best) {
			best = candidate
		}
	}
	return best
}

// runCoalesced implements the "never run twice for the same missed trigger"
// rule (property P5): a trigger that fires while a cycle is already running
// is folded into a single rerun once the in-flight cycle completes, rather
// than queued.
func (s *Scheduler) runCoalesced(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.pendingRerun = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	for {
		_ = s.RunOnce(ctx) // errors are already logged and persisted; the trigger loop doesn't propagate them

		s.mu.Lock()
		rerun := s.pendingRerun
		s.pendingRerun = false
		if !rerun {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// RunOnce executes a single planning cycle synchronously: it's exported for
// the CLI's plan-once subcommand and for tests, independent of the trigger
// loop's catch-up bookkeeping. The returned error, when non-nil, is always an
// *emserr.Error so the caller can branch on Kind (e.g. the CLI's exit-code
// mapping, spec.md §6) instead of string-matching it.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cfg := s.config
	now := s.nowFn().UTC()
	plannedAt := now

	if err := s.reconcileVacation(ctx, now); err != nil {
		s.logger.Printf("[SCHEDULER] vacation state reconcile failed: %v", err)
	}

	horizonStart := now.Truncate(model.SlotDuration)
	wantSlots := cfg.Horizon.Hours * 60 / 15
	horizonEnd := horizonStart.Add(time.Duration(wantSlots) * model.SlotDuration)

	points, err := s.forecast.GetForecast(ctx, horizonStart, horizonEnd)
	if err != nil {
		s.persistError(ctx, err)
		return err
	}

	slots := wantSlots
	if !forecast.IsComplete(points, horizonStart, horizonEnd) {
		_, truncated := forecast.TruncateToAvailable(points, horizonStart, wantSlots)
		if truncated < minUsableSlots {
			err := emserr.New(emserr.KindForecastUnavailable, "scheduler.RunOnce",
				"only %d/%d forecast slots available", truncated, wantSlots)
			s.persistError(ctx, err)
			return err
		}
		s.logger.Printf("[SCHEDULER] forecast incomplete, truncating horizon to %d slots", truncated)
		slots = truncated
		horizonEnd = horizonStart.Add(time.Duration(slots) * model.SlotDuration)
	}

	req, err := s.buildRequest(ctx, horizonStart, slots, points)
	if err != nil {
		s.persistError(ctx, err)
		return err
	}

	historical, err := s.store.GetHistoricalExecutedSlots(ctx, horizonStart)
	if err != nil {
		s.logger.Printf("[SCHEDULER] failed to read historical slots, continuing without them: %v", err)
	}

	planCtx, cancel := context.WithTimeout(ctx, PlanTimeout)
	schedule, err := s.planner.Plan(planCtx, *req, historical, plannedAt)
	cancel()
	if err != nil {
		s.persistError(ctx, err)
		return err
	}

	if err := s.store.SaveSchedule(ctx, schedule.Meta, schedule.Slots); err != nil {
		saveErr := emserr.Wrap(emserr.KindStoreIO, "scheduler.RunOnce", err, "save schedule")
		s.logger.Printf("[SCHEDULER] failed to save schedule: %v", saveErr)
		return saveErr
	}
	if s.bus != nil {
		s.bus.Publish(pubsub.Event{
			Type:         pubsub.ScheduleUpdated,
			At:           plannedAt,
			HorizonStart: schedule.Meta.HorizonStart,
			HorizonEnd:   schedule.Meta.HorizonEnd,
		})
	}
	s.logger.Printf("[SCHEDULER] plan cycle complete: %d slots, horizon [%s,%s)",
		len(schedule.Slots), schedule.Meta.HorizonStart.Format(time.RFC3339), schedule.Meta.HorizonEnd.Format(time.RFC3339))
	return nil
}

// persistError records a failed cycle's error onto the existing schedule
// document (if any) so the dashboard surface can show last_error without
// losing the last-known-good slots, and so the next tick retries cleanly.
func (s *Scheduler) persistError(ctx context.Context, cycleErr error) {
	s.logger.Printf("[SCHEDULER] plan cycle failed: %v", cycleErr)
	existing, ok, err := s.store.LoadSchedule(ctx)
	if err != nil {
		s.logger.Printf("[SCHEDULER] failed to load existing schedule to record error: %v", err)
		return
	}
	if !ok {
		existing.Meta = model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion}
	}
	now := s.nowFn().UTC()
	existing.Meta.LastError = cycleErr.Error()
	existing.Meta.LastErrorAt = &now
	if len(existing.Slots) == 0 {
		return // nothing to persist alongside the error; next tick retries
	}
	if err := s.store.SaveSchedule(ctx, existing.Meta, existing.Slots); err != nil {
		s.logger.Printf("[SCHEDULER] failed to persist cycle error: %v", err)
	}
}

// reconcileVacation clears an expired vacation window (model.VacationState.Expired)
// so the next plan cycle no longer carries anti-legionella quotas forward.
func (s *Scheduler) reconcileVacation(ctx context.Context, now time.Time) error {
	v, err := s.store.ReadVacationState(ctx)
	if err != nil {
		return err
	}
	if v.Expired(now) {
		v.Enabled = false
		return s.store.SaveVacationState(ctx, v)
	}
	return nil
}

// buildRequest assembles a kepler.Request from config and the current
// forecast/SoC reading.
func (s *Scheduler) buildRequest(ctx context.Context, horizonStart time.Time, slots int, points []model.ForecastPoint) (*kepler.Request, error) {
	cfg := s.config
	const op = "scheduler.buildRequest"

	byTime := make(map[time.Time]model.ForecastPoint, len(points))
	for _, p := range points {
		byTime[p.StartTime] = p
	}
	importPrice := make([]float64, slots)
	exportPrice := make([]float64, slots)
	pvKWh := make([]float64, slots)
	loadKWh := make([]float64, slots)
	for i := 0; i < slots; i++ {
		t := horizonStart.Add(time.Duration(i) * model.SlotDuration)
		p, ok := byTime[t]
		if !ok {
			return nil, emserr.New(emserr.KindForecastUnavailable, op, "missing forecast point at %s", t.Format(time.RFC3339))
		}
		importPrice[i] = p.ImportPrice
		exportPrice[i] = p.ExportPrice
		pvKWh[i] = p.PVKWh
		loadKWh[i] = p.LoadKWh
	}

	soc0, ok, err := s.soc.GetSensor(ctx, actuator.SensorBatterySOCPercent)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindActuatorUnreachable, op, err, "read battery soc")
	}
	if !ok {
		return nil, emserr.New(emserr.KindActuatorUnreachable, op, "battery soc reading unavailable")
	}

	vac, err := s.store.ReadVacationState(ctx)
	if err != nil {
		return nil, err
	}

	var vacationParams kepler.VacationParams
	if vac.Enabled {
		startSlot, endSlot := antiLegionellaWindow(horizonStart, slots, cfg.Vacation.AntiLegionellaHours, cfg.Latitude, cfg.Longitude)
		vacationParams = kepler.VacationParams{
			Enabled:                   true,
			AntiLegionellaQuotaKWh:    cfg.WaterHeater.PowerKW * float64(cfg.Vacation.AntiLegionellaHours),
			AntiLegionellaWindowStart: startSlot,
			AntiLegionellaWindowEnd:   endSlot,
		}
	}

	req := &kepler.Request{
		HorizonSlots:        slots,
		SlotStart:           horizonStart,
		ImportPrice:         importPrice,
		ExportPrice:         exportPrice,
		PVKWh:               pvKWh,
		LoadKWh:             loadKWh,
		CapacityKWh:         cfg.Battery.CapacityKWh,
		MinSOCPercent:       cfg.Battery.MinSOCPercent,
		MaxSOCPercent:       cfg.Battery.MaxSOCPercent,
		MaxChargeKW:         cfg.Battery.MaxChargeKW,
		MaxDischargeKW:      cfg.Battery.MaxDischargeKW,
		RoundtripEfficiency: cfg.Battery.RoundtripEfficiency,
		SOC0Percent:         soc0,
		WaterHeater: kepler.WaterHeaterParams{
			Enabled:                  cfg.WaterHeater.Enabled,
			PowerKW:                  cfg.WaterHeater.PowerKW,
			MinKWhPerDay:             cfg.WaterHeater.MinKWhPerDay,
			MaxHoursBetweenHeating:   cfg.WaterHeater.MaxHoursBetweenHeating,
			ComfortPenaltySEKPerHour: cfg.WaterHeater.ComfortPenaltySEKPerHour,
		},
		Export: kepler.ExportParams{
			Enabled:     cfg.Export.Enabled,
			MaxExportKW: cfg.Export.MaxExportKW,
		},
		Vacation: vacationParams,
		Cost: kepler.CostParams{
			WearCostSEKPerKWh:   cfg.Kepler.WearCostSEKPerKWh,
			RampingCostSEKPerKW: cfg.Kepler.RampingCostSEKPerKW,
		},
		MIPGap:           cfg.Kepler.MIPGap,
		TimeLimitSeconds: cfg.Kepler.TimeLimitSeconds,
	}
	return req, nil
}

// antiLegionellaWindow picks a slot sub-window of the given length, starting
// at sunset, using suncalc so the anti-legionella boost (spec.md §4.C.6)
// runs overnight rather than displacing a daytime PV-charging opportunity.
// It clamps to the horizon if sunset falls outside it.
func antiLegionellaWindow(horizonStart time.Time, slots int, hours float64, lat, lon float64) (startSlot, endSlot int) {
	sunTimes := suncalc.GetTimes(horizonStart, lat, lon)
	sunset := sunTimes["sunset"].Value

	windowSlots := int(hours * 4)
	if windowSlots <= 0 {
		windowSlots = 1
	}

	startSlot = int(sunset.Sub(horizonStart) / model.SlotDuration)
	if startSlot < 0 {
		startSlot = 0
	}
	if startSlot >= slots {
		startSlot = 0
	}
	endSlot = startSlot + windowSlots
	if endSlot > slots {
		endSlot = slots
	}
	return startSlot, endSlot
}
