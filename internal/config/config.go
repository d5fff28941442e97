// Package config loads and validates the EMS configuration surface defined
// in spec.md §6. It follows the teacher's JSON-file-plus-Validate pattern
// (scheduler/config.go in the retrieval pack): a DefaultConfig, a
// LoadConfigFromReader that decodes onto the defaults, and a Validate that
// rejects startup with a ConfigInvalid error rather than starting tasks
// against bad values.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devskill-org/kepler-ems/internal/emserr"
)

// Battery mirrors spec.md §6 battery.*.
type Battery struct {
	CapacityKWh         float64 `json:"capacity_kwh"`
	MinSOCPercent       float64 `json:"min_soc_percent"`
	MaxSOCPercent       float64 `json:"max_soc_percent"`
	MaxChargeKW         float64 `json:"max_charge_kw"`
	MaxDischargeKW      float64 `json:"max_discharge_kw"`
	RoundtripEfficiency float64 `json:"roundtrip_efficiency"`
	DefaultWACSEKPerKWh float64 `json:"default_wac_sek_per_kwh"`

	// CapacityKWhSecondary exists only so Validate can reject the legacy
	// dual-capacity misconfiguration named in spec.md §9 Open Questions.
	// It is never read by any other component.
	CapacityKWhSecondary float64 `json:"capacity_kwh_secondary,omitempty"`
}

// Horizon mirrors spec.md §6 horizon.*.
type Horizon struct {
	Hours       int `json:"hours"`
	SlotMinutes int `json:"slot_minutes"`
}

// Scheduler mirrors spec.md §6 scheduler.*.
type Scheduler struct {
	TriggerTimesLocal []string `json:"trigger_times_local"` // "HH:MM", local tz
	JitterSeconds     int      `json:"jitter_seconds"`
}

// Executor mirrors spec.md §6 executor.*.
type Executor struct {
	TickSeconds         int     `json:"tick_seconds"`
	SafetyMarginPercent float64 `json:"safety_margin_percent"`
	NominalBusVoltage   float64 `json:"nominal_bus_voltage"`
	MaxChargeAmps       float64 `json:"max_charge_amps"`
	Paused              bool    `json:"paused"`
}

// WaterHeater mirrors spec.md §6 water_heater.*.
type WaterHeater struct {
	Enabled                  bool    `json:"enabled"`
	PowerKW                  float64 `json:"power_kw"`
	MinKWhPerDay             float64 `json:"min_kwh_per_day"`
	MaxHoursBetweenHeating   float64 `json:"max_hours_between_heating"`
	ComfortPenaltySEKPerHour float64 `json:"comfort_penalty_sek_per_hour"`
	TempOffC                 float64 `json:"temp_off_c"`
	TempNormalC              float64 `json:"temp_normal_c"`
	TempBoostC               float64 `json:"temp_boost_c"`
}

// Kepler mirrors spec.md §6 kepler.*.
type Kepler struct {
	WearCostSEKPerKWh      float64 `json:"wear_cost_sek_per_kwh"`
	RampingCostSEKPerKW    float64 `json:"ramping_cost_sek_per_kw"`
	MIPGap                 float64 `json:"mip_gap"`
	TimeLimitSeconds       int     `json:"time_limit_seconds"`
	HardWaterGapConstraint bool    `json:"hard_water_gap_constraint"` // see DESIGN.md Open Question
}

// Vacation mirrors spec.md §6 vacation.*.
type Vacation struct {
	Enabled                    bool    `json:"enabled"`
	EndDate                    string  `json:"end_date,omitempty"` // "2006-01-02", local
	AntiLegionellaIntervalDays int     `json:"anti_legionella_interval_days"`
	AntiLegionellaHours        float64 `json:"anti_legionella_hours"`
	AntiLegionellaTempC        float64 `json:"anti_legionella_temp_c"`
}

// Export mirrors spec.md §6 export.*.
type Export struct {
	Enabled     bool    `json:"enabled"`
	MaxExportKW float64 `json:"max_export_kw"`
}

// Config is the full configuration surface, read once at startup and never
// mutated by the core at runtime (spec.md §6).
type Config struct {
	Battery     Battery     `json:"battery"`
	Horizon     Horizon     `json:"horizon"`
	Scheduler   Scheduler   `json:"scheduler"`
	Executor    Executor    `json:"executor"`
	WaterHeater WaterHeater `json:"water_heater"`
	Kepler      Kepler      `json:"kepler"`
	Vacation    Vacation    `json:"vacation"`
	Export      Export      `json:"export"`

	// PostgresConnString configures the Store (internal/store), following
	// the teacher's PostgresConnString field (scheduler/config.go).
	PostgresConnString string `json:"postgres_conn_string"`

	// ActuatorAddress configures the device actuator (format host:port for
	// the modbus TCP actuator, following sigenergy.NewTCPClient's contract).
	ActuatorAddress string `json:"actuator_address"`

	// Location is the IANA timezone name the scheduler's trigger_times_local
	// are interpreted in.
	Location string `json:"location"`

	// Latitude/Longitude locate the plant for suncalc's sunset calculation
	// (scheduler/server.go's config.Latitude/config.Longitude usage), used
	// only to anchor the Scheduler's anti-legionella window at sunset. The
	// Planner's PVCharge classification does not use them.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// DryRun, when true, makes the Executor log the commands it would issue
	// instead of dispatching them to the actuator (spec.md §9 supplemented
	// feature, grounded on the teacher's Config.DryRun).
	DryRun bool `json:"dry_run"`

	// EntsoE configures an optional day-ahead spot-price overlay on top of
	// the forecast_cache-backed Provider (supplemented feature; the EMS can
	// run on forecast_cache prices alone when this is disabled).
	EntsoE EntsoE `json:"entsoe"`
}

// EntsoE parameterizes the optional ENTSO-E Transparency Platform price
// overlay (internal/forecast.EntsoePriceProvider).
type EntsoE struct {
	Enabled               bool    `json:"enabled"`
	SecurityToken         string  `json:"security_token"`
	URLFormat             string  `json:"url_format"`
	ExportMarginSEKPerKWh float64 `json:"export_margin_sek_per_kwh"`
}

// DefaultConfig returns a configuration with sane defaults, following the
// teacher's DefaultConfig pattern (scheduler/config.go).
func DefaultConfig() *Config {
	return &Config{
		Battery: Battery{
			CapacityKWh:         13.5,
			MinSOCPercent:       10,
			MaxSOCPercent:       90,
			MaxChargeKW:         5,
			MaxDischargeKW:      5,
			RoundtripEfficiency: 0.92,
			DefaultWACSEKPerKWh: 1.0,
		},
		Horizon: Horizon{Hours: 48, SlotMinutes: 15},
		Scheduler: Scheduler{
			TriggerTimesLocal: []string{"00:05", "06:05", "12:05", "18:05"},
			JitterSeconds:     60,
		},
		Executor: Executor{
			TickSeconds:         300,
			SafetyMarginPercent: 2,
			NominalBusVoltage:   230,
			MaxChargeAmps:       32,
		},
		WaterHeater: WaterHeater{
			Enabled:                  true,
			PowerKW:                  3.0,
			MinKWhPerDay:             6.0,
			MaxHoursBetweenHeating:   24,
			ComfortPenaltySEKPerHour: 0.5,
			TempOffC:                 0,
			TempNormalC:              55,
			TempBoostC:               65,
		},
		Kepler: Kepler{
			WearCostSEKPerKWh:   0.05,
			RampingCostSEKPerKW: 0.01,
			MIPGap:              0.01,
			TimeLimitSeconds:    30,
		},
		Vacation: Vacation{
			AntiLegionellaIntervalDays: 7,
			AntiLegionellaHours:        2,
			AntiLegionellaTempC:        70,
		},
		Export:    Export{Enabled: true, MaxExportKW: 10},
		Location:  "Europe/Stockholm",
		Latitude:  59.3293,
		Longitude: 18.0686,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader decodes configuration JSON onto DefaultConfig and
// validates it.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

// ParsedEndDate parses Vacation.EndDate in Location, returning nil if unset.
func (c *Config) ParsedEndDate() (*time.Time, error) {
	if c.Vacation.EndDate == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", c.Vacation.EndDate, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid vacation.end_date: %w", err)
	}
	return &t, nil
}

// Validate checks every invariant named across spec.md §3, §4, and §6,
// returning a ConfigInvalid error. It never starts any task on failure.
func (c *Config) Validate() error {
	const op = "config.Validate"

	if c.Battery.CapacityKWh <= 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "battery.capacity_kwh must be positive")
	}
	if c.Battery.CapacityKWhSecondary != 0 && c.Battery.CapacityKWhSecondary != c.Battery.CapacityKWh {
		// spec.md §9 Open Questions: reject mismatched duplicate capacity config.
		return emserr.New(emserr.KindConfigInvalid,
			op, "battery.capacity_kwh (%.3f) disagrees with battery.capacity_kwh_secondary (%.3f)",
			c.Battery.CapacityKWh, c.Battery.CapacityKWhSecondary)
	}
	if c.Battery.MinSOCPercent < 0 || c.Battery.MaxSOCPercent > 100 {
		return emserr.New(emserr.KindConfigInvalid, op, "battery soc bounds must be within [0,100]")
	}
	if c.Battery.MinSOCPercent > c.Battery.MaxSOCPercent {
		return emserr.New(emserr.KindConfigInvalid, op,
			"battery.min_soc_percent (%.1f) cannot exceed battery.max_soc_percent (%.1f)",
			c.Battery.MinSOCPercent, c.Battery.MaxSOCPercent)
	}
	if c.Battery.MaxChargeKW < 0 || c.Battery.MaxDischargeKW < 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "battery max charge/discharge must be non-negative")
	}
	if c.Battery.RoundtripEfficiency <= 0 || c.Battery.RoundtripEfficiency > 1 {
		return emserr.New(emserr.KindConfigInvalid, op, "battery.roundtrip_efficiency must be in (0,1]")
	}

	if c.Horizon.Hours <= 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "horizon.hours must be positive")
	}
	if c.Horizon.SlotMinutes != 15 {
		return emserr.New(emserr.KindConfigInvalid, op, "horizon.slot_minutes must be 15")
	}

	if c.Scheduler.JitterSeconds < 0 || c.Scheduler.JitterSeconds > 60 {
		return emserr.New(emserr.KindConfigInvalid, op, "scheduler.jitter_seconds must be within [0,60]")
	}
	for _, t := range c.Scheduler.TriggerTimesLocal {
		if _, err := time.Parse("15:04", t); err != nil {
			return emserr.New(emserr.KindConfigInvalid, op, "scheduler.trigger_times_local entry %q is not HH:MM", t)
		}
	}

	if c.Executor.TickSeconds <= 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "executor.tick_seconds must be positive")
	}
	if c.Executor.NominalBusVoltage <= 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "executor.nominal_bus_voltage must be positive")
	}

	if c.WaterHeater.Enabled {
		if c.WaterHeater.PowerKW <= 0 {
			return emserr.New(emserr.KindConfigInvalid, op, "water_heater.power_kw must be positive when enabled")
		}
		if c.WaterHeater.MinKWhPerDay < 0 {
			return emserr.New(emserr.KindConfigInvalid, op, "water_heater.min_kwh_per_day must be non-negative")
		}
	}

	if c.Kepler.MIPGap < 0 || c.Kepler.MIPGap > 1 {
		return emserr.New(emserr.KindConfigInvalid, op, "kepler.mip_gap must be within [0,1]")
	}
	if c.Kepler.TimeLimitSeconds <= 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "kepler.time_limit_seconds must be positive")
	}

	if c.Export.Enabled && c.Export.MaxExportKW < 0 {
		return emserr.New(emserr.KindConfigInvalid, op, "export.max_export_kw must be non-negative")
	}

	if c.EntsoE.Enabled && c.EntsoE.SecurityToken == "" {
		return emserr.New(emserr.KindConfigInvalid, op, "entsoe.security_token required when entsoe.enabled")
	}
	if c.EntsoE.Enabled && c.EntsoE.URLFormat == "" {
		return emserr.New(emserr.KindConfigInvalid, op, "entsoe.url_format required when entsoe.enabled")
	}

	if _, err := c.ParsedEndDate(); err != nil {
		return emserr.Wrap(emserr.KindConfigInvalid, op, err, "vacation.end_date invalid")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return emserr.New(emserr.KindConfigInvalid, op, "invalid log_level: %s", c.LogLevel)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return emserr.New(emserr.KindConfigInvalid, op, "invalid log_format: %s", c.LogFormat)
	}

	return nil
}

// String returns an indented JSON representation, for debug logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
