package forecast

import (
	"context"
	"time"

	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/entsoe"
	"github.com/devskill-org/kepler-ems/internal/model"
)

// EntsoeConfig holds the day-ahead market parameters needed to fetch prices
// from ENTSO-E's Transparency Platform, adapted from entsoe.DownloadPublicationMarketData's
// argument list (internal/entsoe/api_client.go).
type EntsoeConfig struct {
	SecurityToken string
	URLFormat     string // fmt-style, args are (periodStart, periodEnd, securityToken) as UTC YYYYMMDDHHmm strings
	Location      *time.Location
	ExportMargin  float64 // export price = import price - ExportMargin, since ENTSO-E publishes only one day-ahead price series
}

// EntsoePriceProvider overlays ENTSO-E day-ahead spot prices onto a base
// Provider's PV/load forecast, since ENTSO-E has no notion of a plant's PV
// production or household load. The base provider still owns PVKWh/LoadKWh;
// this type only replaces ImportPrice/ExportPrice when a market price is
// available for the slot, leaving the base's prices untouched otherwise so a
// missing quote degrades to the cached price rather than dropping the slot.
type EntsoePriceProvider struct {
	base  Provider
	cfg   EntsoeConfig
	fetch func(ctx context.Context, securityToken, urlFormat string, location *time.Location) (*entsoe.PublicationMarketDocument, error)
}

// NewEntsoePriceProvider builds a price-overlay Provider. base supplies
// PV/load and a price fallback; cfg parameterizes the ENTSO-E day-ahead query.
func NewEntsoePriceProvider(base Provider, cfg EntsoeConfig) *EntsoePriceProvider {
	return &EntsoePriceProvider{base: base, cfg: cfg, fetch: entsoe.DownloadPublicationMarketData}
}

// GetForecast fetches the base forecast, then overlays ENTSO-E spot prices
// for every slot the published day-ahead document covers.
func (p *EntsoePriceProvider) GetForecast(ctx context.Context, horizonStart, horizonEnd time.Time) ([]model.ForecastPoint, error) {
	const op = "forecast.EntsoePriceProvider.GetForecast"
	points, err := p.base.GetForecast(ctx, horizonStart, horizonEnd)
	if err != nil {
		return nil, err
	}

	doc, err := p.fetch(ctx, p.cfg.SecurityToken, p.cfg.URLFormat, p.cfg.Location)
	if err != nil {
		// A down market-data feed doesn't invalidate the base forecast; the
		// Planner still gets usable (if stale) prices from the cache.
		return points, nil
	}

	for i := range points {
		hourPrice, ok := doc.LookupAveragePriceInHourByTime(points[i].StartTime)
		if !ok {
			continue
		}
		points[i].ImportPrice = hourPrice
		points[i].ExportPrice = hourPrice - p.cfg.ExportMargin
	}
	if err := ctx.Err(); err != nil {
		return nil, emserr.Wrap(emserr.KindForecastUnavailable, op, err, "context cancelled during price overlay")
	}
	return points, nil
}
