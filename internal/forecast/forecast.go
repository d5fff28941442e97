// Package forecast defines the Forecast/Price Provider interface (spec.md
// §4.B, §6) and a Store-backed implementation that reads the forecast_cache
// table the out-of-scope ML forecast generator writes to (spec.md §1).
//
// Missing slots are represented as absence, never as zero, matching the
// external interface contract in spec.md §6.
package forecast

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/model"
)

// Provider produces per-slot price and PV/load forecasts for a horizon.
type Provider interface {
	GetForecast(ctx context.Context, horizonStart, horizonEnd time.Time) ([]model.ForecastPoint, error)
}

// queryer is the subset of *sql.DB the Store-backed provider needs, so tests
// can substitute a fake without standing up Postgres.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StoreProvider reads forecast points from the forecast_cache table.
type StoreProvider struct {
	db queryer
}

// NewStoreProvider builds a StoreProvider over the given database handle
// (normally the same *sql.DB the Store wraps).
func NewStoreProvider(db queryer) *StoreProvider {
	return &StoreProvider{db: db}
}

// GetForecast returns forecast points for every slot in [horizonStart, horizonEnd)
// that has a non-null row in forecast_cache; slots with no row are omitted,
// never synthesized as zero, so the caller can detect an incomplete horizon
// (spec.md §4.D step 1).
func (p *StoreProvider) GetForecast(ctx context.Context, horizonStart, horizonEnd time.Time) ([]model.ForecastPoint, error) {
	const op = "forecast.StoreProvider.GetForecast"
	rows, err := p.db.QueryContext(ctx, `
		SELECT start_time, import_price, export_price, pv_kwh, load_kwh
		FROM forecast_cache
		WHERE start_time >= $1 AND start_time < $2
		  AND import_price IS NOT NULL AND export_price IS NOT NULL
		  AND pv_kwh IS NOT NULL AND load_kwh IS NOT NULL
		ORDER BY start_time ASC`, horizonStart, horizonEnd)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindForecastUnavailable, op, err, "query forecast cache")
	}
	defer rows.Close()

	var points []model.ForecastPoint
	for rows.Next() {
		var fp model.ForecastPoint
		if err := rows.Scan(&fp.StartTime, &fp.ImportPrice, &fp.ExportPrice, &fp.PVKWh, &fp.LoadKWh); err != nil {
			return nil, emserr.Wrap(emserr.KindForecastUnavailable, op, err, "scan forecast point")
		}
		points = append(points, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, emserr.Wrap(emserr.KindForecastUnavailable, op, err, "iterate forecast cache")
	}
	sort.Slice(points, func(i, j int) bool { return points[i].StartTime.Before(points[j].StartTime) })
	return points, nil
}

// IsComplete reports whether points cover every 15-minute slot in
// [horizonStart, horizonEnd) with no gaps, matching spec.md §3's "a forecast
// is complete for a day when all 96 slots have non-null values".
func IsComplete(points []model.ForecastPoint, horizonStart, horizonEnd time.Time) bool {
	want := map[time.Time]bool{}
	for t := horizonStart; t.Before(horizonEnd); t = t.Add(model.SlotDuration) {
		want[t] = true
	}
	for _, p := range points {
		delete(want, p.StartTime)
	}
	return len(want) == 0
}

// TruncateToAvailable returns the longest prefix of [horizonStart, horizonEnd)
// for which points has a contiguous, complete run of slots starting at
// horizonStart, implementing the Scheduler's "best-available truncated
// horizon" fallback (spec.md §4.D step 1).
func TruncateToAvailable(points []model.ForecastPoint, horizonStart time.Time, slots int) (time.Time, int) {
	byTime := make(map[time.Time]bool, len(points))
	for _, p := range points {
		byTime[p.StartTime] = true
	}
	n := 0
	for t := horizonStart; n < slots; t = t.Add(model.SlotDuration) {
		if !byTime[t] {
			break
		}
		n++
	}
	return horizonStart, n
}
