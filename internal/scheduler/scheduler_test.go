package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devskill-org/kepler-ems/internal/actuator"
	"github.com/devskill-org/kepler-ems/internal/config"
	"github.com/devskill-org/kepler-ems/internal/kepler"
	"github.com/devskill-org/kepler-ems/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	schedule model.Schedule
	hasSched bool
	vacation model.VacationState
	saved    int
}

func (f *fakeStore) LoadSchedule(ctx context.Context) (model.Schedule, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedule, f.hasSched, nil
}

func (f *fakeStore) SaveSchedule(ctx context.Context, meta model.ScheduleMeta, slots []model.PlannedSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedule = model.Schedule{Meta: meta, Slots: slots}
	f.hasSched = true
	f.saved++
	return nil
}

func (f *fakeStore) GetHistoricalExecutedSlots(ctx context.Context, date time.Time) ([]model.PlannedSlot, error) {
	return nil, nil
}

func (f *fakeStore) ReadVacationState(ctx context.Context) (model.VacationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vacation, nil
}

func (f *fakeStore) SaveVacationState(ctx context.Context, v model.VacationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacation = v
	return nil
}

type fakeForecast struct {
	points []model.ForecastPoint
	err    error
}

func (f *fakeForecast) GetForecast(ctx context.Context, start, end time.Time) ([]model.ForecastPoint, error) {
	return f.points, f.err
}

type fakePlanner struct {
	result  model.Schedule
	err     error
	calls   int32
	blockFn func()
}

func (f *fakePlanner) Plan(ctx context.Context, req kepler.Request, historical []model.PlannedSlot, plannedAt time.Time) (model.Schedule, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blockFn != nil {
		f.blockFn()
	}
	return f.result, f.err
}

type fakeSOC struct {
	value float64
	ok    bool
	err   error
}

func (f *fakeSOC) GetSensor(ctx context.Context, id actuator.SensorID) (float64, bool, error) {
	return f.value, f.ok, f.err
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Horizon.Hours = 1 // 4 slots, keeps test forecasts small
	cfg.Scheduler.JitterSeconds = 0
	return cfg
}

func fullForecast(start time.Time, n int) []model.ForecastPoint {
	points := make([]model.ForecastPoint, n)
	for i := range points {
		points[i] = model.ForecastPoint{
			StartTime:   start.Add(time.Duration(i) * model.SlotDuration),
			ImportPrice: 1.0,
			ExportPrice: 0.5,
			PVKWh:       0,
			LoadKWh:     0.2,
		}
	}
	return points
}

func TestSchedulerRunOnceSavesScheduleOnSuccess(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC().Truncate(model.SlotDuration)
	store := &fakeStore{}
	fc := &fakeForecast{points: fullForecast(now, 4)}
	planner := &fakePlanner{result: model.Schedule{
		Meta:  model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion, HorizonStart: now, HorizonEnd: now.Add(time.Hour)},
		Slots: []model.PlannedSlot{{StartTime: now}},
	}}
	soc := &fakeSOC{value: 50, ok: true}

	s := New(store, fc, planner, soc, nil, cfg, nil)
	s.RunOnce(context.Background())

	if store.saved != 1 {
		t.Fatalf("saved = %d, want 1", store.saved)
	}
	if planner.calls != 1 {
		t.Fatalf("planner calls = %d, want 1", planner.calls)
	}
}

func TestSchedulerRunOnceForecastUnavailablePersistsError(t *testing.T) {
	cfg := testConfig()
	store := &fakeStore{
		hasSched: true,
		schedule: model.Schedule{
			Meta:  model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion},
			Slots: []model.PlannedSlot{{StartTime: time.Now()}},
		},
	}
	fc := &fakeForecast{points: nil} // no forecast at all
	planner := &fakePlanner{}
	soc := &fakeSOC{value: 50, ok: true}

	s := New(store, fc, planner, soc, nil, cfg, nil)
	s.RunOnce(context.Background())

	if planner.calls != 0 {
		t.Errorf("planner should not be called when forecast is unavailable, calls=%d", planner.calls)
	}
	if store.schedule.Meta.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
}

func TestSchedulerRunOnceMissingSOCPersistsError(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC().Truncate(model.SlotDuration)
	store := &fakeStore{}
	fc := &fakeForecast{points: fullForecast(now, 4)}
	planner := &fakePlanner{}
	soc := &fakeSOC{ok: false}

	s := New(store, fc, planner, soc, nil, cfg, nil)
	s.RunOnce(context.Background())

	if planner.calls != 0 {
		t.Errorf("planner should not be called without a soc reading, calls=%d", planner.calls)
	}
}

func TestRunCoalescedFoldsTriggerDuringInFlightCycle(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC().Truncate(model.SlotDuration)
	store := &fakeStore{}
	fc := &fakeForecast{points: fullForecast(now, 4)}
	soc := &fakeSOC{value: 50, ok: true}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	planner := &fakePlanner{
		result: model.Schedule{
			Meta:  model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion, HorizonStart: now, HorizonEnd: now.Add(time.Hour)},
			Slots: []model.PlannedSlot{{StartTime: now}},
		},
		blockFn: func() {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		},
	}

	s := New(store, fc, planner, soc, nil, cfg, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runCoalesced(context.Background())
	}()

	<-entered              // first cycle is now blocked inside Plan
	s.runCoalesced(context.Background()) // folds into pendingRerun, returns immediately
	close(release)
	wg.Wait()

	if planner.calls != 2 {
		t.Errorf("planner calls = %d, want 2 (one in-flight, one coalesced rerun)", planner.calls)
	}
}

func TestMostRecentTriggerLEQPicksLatestPast(t *testing.T) {
	cfg := testConfig()
	cfg.Location = "UTC"
	cfg.Scheduler.TriggerTimesLocal = []string{"06:00", "18:00"}
	s := New(&fakeStore{}, &fakeForecast{}, &fakePlanner{}, &fakeSOC{}, nil, cfg, nil)

	now := time.Date(2026, 1, 1, 18, 30, 0, 0, time.UTC)
	got := s.mostRecentTriggerLEQ(now)
	want := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("mostRecentTriggerLEQ = %v, want %v", got, want)
	}
}

func TestMostRecentTriggerLEQFallsBackToYesterday(t *testing.T) {
	cfg := testConfig()
	cfg.Location = "UTC"
	cfg.Scheduler.TriggerTimesLocal = []string{"06:00"}
	s := New(&fakeStore{}, &fakeForecast{}, &fakePlanner{}, &fakeSOC{}, nil, cfg, nil)

	now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) // before today's 06:00
	got := s.mostRecentTriggerLEQ(now)
	want := time.Date(2025, 12, 31, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("mostRecentTriggerLEQ = %v, want %v", got, want)
	}
}

func TestMostRecentTriggerLEQNoTriggersReturnsZero(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.TriggerTimesLocal = nil
	s := New(&fakeStore{}, &fakeForecast{}, &fakePlanner{}, &fakeSOC{}, nil, cfg, nil)

	if got := s.mostRecentTriggerLEQ(time.Now()); !got.IsZero() {
		t.Errorf("mostRecentTriggerLEQ = %v, want zero", got)
	}
}

func TestMaybeCatchUpRunsOnceForOneOrMoreMissedTriggers(t *testing.T) {
	// S3: scheduler configured hourly at :05, offline from 14:00 to 18:30.
	// On startup at 18:30, exactly one plan cycle runs (P5), not one per
	// missed trigger.
	cfg := testConfig()
	cfg.Location = "UTC"
	cfg.Scheduler.TriggerTimesLocal = []string{"00:05", "01:05", "02:05", "03:05", "04:05", "05:05",
		"06:05", "07:05", "08:05", "09:05", "10:05", "11:05", "12:05", "13:05", "14:05", "15:05",
		"16:05", "17:05", "18:05", "19:05", "20:05", "21:05", "22:05", "23:05"}
	cfg.Scheduler.JitterSeconds = 0

	lastPlanned := time.Date(2026, 1, 1, 13, 5, 0, 0, time.UTC) // last successful plan was at 13:05
	now := time.Date(2026, 1, 1, 18, 30, 0, 0, time.UTC)        // restarted at 18:30

	store := &fakeStore{hasSched: true, schedule: model.Schedule{
		Meta:  model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion, PlannedAt: lastPlanned},
		Slots: []model.PlannedSlot{{StartTime: lastPlanned}},
	}}
	fc := &fakeForecast{points: fullForecast(now.Truncate(model.SlotDuration), 4)}
	planner := &fakePlanner{result: model.Schedule{
		Meta:  model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion, PlannedAt: now},
		Slots: []model.PlannedSlot{{StartTime: now}},
	}}
	soc := &fakeSOC{value: 50, ok: true}

	s := New(store, fc, planner, soc, nil, cfg, nil)
	s.nowFn = func() time.Time { return now }
	s.maybeCatchUp(context.Background())
	if planner.calls != 1 {
		t.Fatalf("planner calls = %d, want exactly 1 (P5: one catch-up run, not one per missed trigger)", planner.calls)
	}

	// A second catch-up check immediately after must not run again: the
	// just-saved schedule's planned_at is now >= the 18:05 trigger.
	s.maybeCatchUp(context.Background())
	if planner.calls != 1 {
		t.Errorf("planner calls after second check = %d, want still 1", planner.calls)
	}
}

func TestMaybeCatchUpSkipsWhenAlreadyCaughtUp(t *testing.T) {
	cfg := testConfig()
	cfg.Location = "UTC"
	cfg.Scheduler.TriggerTimesLocal = []string{"06:00", "18:00"}

	now := time.Date(2026, 1, 1, 18, 30, 0, 0, time.UTC)
	store := &fakeStore{hasSched: true, schedule: model.Schedule{
		Meta: model.ScheduleMeta{PlannerVersion: kepler.PlannerVersion, PlannedAt: now}, // already planned after the 18:00 trigger
	}}
	planner := &fakePlanner{}
	s := New(store, &fakeForecast{}, planner, &fakeSOC{}, nil, cfg, nil)
	s.nowFn = func() time.Time { return now }

	s.maybeCatchUp(context.Background())
	if planner.calls != 0 {
		t.Errorf("planner calls = %d, want 0 (no missed trigger)", planner.calls)
	}
}

func TestAntiLegionellaWindowClampsToHorizon(t *testing.T) {
	horizonStart := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	start, end := antiLegionellaWindow(horizonStart, 96, 2, 59.33, 18.07)
	if start < 0 || start >= 96 {
		t.Fatalf("start slot out of range: %d", start)
	}
	if end <= start || end > 96 {
		t.Fatalf("end slot out of range: %d (start=%d)", end, start)
	}
}

func TestReconcileVacationClearsExpiredWindow(t *testing.T) {
	cfg := testConfig()
	past := time.Now().Add(-24 * time.Hour)
	store := &fakeStore{vacation: model.VacationState{Enabled: true, EndDate: &past}}
	s := New(store, &fakeForecast{}, &fakePlanner{}, &fakeSOC{}, nil, cfg, nil)

	if err := s.reconcileVacation(context.Background(), time.Now()); err != nil {
		t.Fatalf("reconcileVacation error: %v", err)
	}
	if store.vacation.Enabled {
		t.Error("expected vacation to be cleared once expired")
	}
}
