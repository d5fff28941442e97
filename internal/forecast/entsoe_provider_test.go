package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/devskill-org/kepler-ems/internal/entsoe"
	"github.com/devskill-org/kepler-ems/internal/model"
)

type fakeBaseProvider struct {
	points []model.ForecastPoint
}

func (f *fakeBaseProvider) GetForecast(ctx context.Context, horizonStart, horizonEnd time.Time) ([]model.ForecastPoint, error) {
	return f.points, nil
}

func TestEntsoePriceProviderOverlaysAvailablePrices(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := &fakeBaseProvider{points: []model.ForecastPoint{
		{StartTime: start, ImportPrice: 0.5, ExportPrice: 0.1, PVKWh: 0, LoadKWh: 1},
		{StartTime: start.Add(time.Hour), ImportPrice: 0.5, ExportPrice: 0.1, PVKWh: 0, LoadKWh: 1},
	}}

	doc := &entsoe.PublicationMarketDocument{TimeSeries: []entsoe.TimeSeries{{
		Period: entsoe.Period{
			TimeInterval: entsoe.TimeInterval{Start: start, End: start.Add(2 * time.Hour)},
			Resolution:   time.Hour,
			Points:       []entsoe.Point{{Position: 1, PriceAmount: 0.8}},
		},
	}}}

	p := NewEntsoePriceProvider(base, EntsoeConfig{ExportMargin: 0.05})
	p.fetch = func(ctx context.Context, securityToken, urlFormat string, location *time.Location) (*entsoe.PublicationMarketDocument, error) {
		return doc, nil
	}

	got, err := p.GetForecast(context.Background(), start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if got[0].ImportPrice != 0.8 {
		t.Errorf("slot 0 import price = %v, want 0.8 (market override)", got[0].ImportPrice)
	}
	if got[0].ExportPrice != 0.75 {
		t.Errorf("slot 0 export price = %v, want 0.75", got[0].ExportPrice)
	}
	if got[1].ImportPrice != 0.5 {
		t.Errorf("slot 1 import price = %v, want 0.5 (no market quote, base price kept)", got[1].ImportPrice)
	}
}

func TestEntsoePriceProviderFallsBackToBaseOnFetchError(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := &fakeBaseProvider{points: []model.ForecastPoint{{StartTime: start, ImportPrice: 0.5, ExportPrice: 0.1}}}

	p := NewEntsoePriceProvider(base, EntsoeConfig{})
	p.fetch = func(ctx context.Context, securityToken, urlFormat string, location *time.Location) (*entsoe.PublicationMarketDocument, error) {
		return nil, context.DeadlineExceeded
	}

	got, err := p.GetForecast(context.Background(), start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetForecast() error = %v, want nil (fall back to base)", err)
	}
	if got[0].ImportPrice != 0.5 {
		t.Errorf("import price = %v, want 0.5 (base kept on fetch failure)", got[0].ImportPrice)
	}
}
