package domain

import (
	"errors"
	"fmt"
	"time"
)

// EMS power modes (register 47511).
const (
	EMSModeAuto     uint16 = 0x0001
	EMSModeImportAC uint16 = 0x0004
)

// Alert severities and states.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"

	AlertStateActive  = "ACTIVE"
	AlertStateCleared = "CLEARED"
)

// Edge operating status pushed via settings.
const (
	EdgeStatusActive   = "active"
	EdgeStatusPaused   = "paused"
	EdgeStatusInactive = "inactive"
)

// ClockTime is a wall-clock HH:MM in site local time.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (or "HH:MM:SS", seconds ignored).
func ParseClockTime(s string) (ClockTime, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// MinuteOfDay returns the minute index within a day.
func (c ClockTime) MinuteOfDay() int {
	return c.Hour*60 + c.Minute
}

// CheapWindow is the configured cheap-tariff interval, inclusive of start and
// exclusive of end. It may wrap midnight.
type CheapWindow struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
}

// Contains reports whether t (site local time) falls inside the window.
func (w CheapWindow) Contains(t time.Time) (bool, error) {
	start, err := ParseClockTime(w.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClockTime(w.End)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	s, e := start.MinuteOfDay(), end.MinuteOfDay()
	if s <= e {
		return s <= now && now < e, nil
	}
	// wraps midnight
	return now >= s || now < e, nil
}

// AutoBiasTrim configures the residual-drift bias trimming applied in Auto.
type AutoBiasTrim struct {
	Enable    bool    `json:"enable" mapstructure:"enable"`
	TargetW   float64 `json:"target_w" mapstructure:"target_w"`
	DeadbandW float64 `json:"deadband_w" mapstructure:"deadband_w"`
	StepW     float64 `json:"step_w" mapstructure:"step_w"`
	MinW      float64 `json:"min_w" mapstructure:"min_w"`
	MaxW      float64 `json:"max_w" mapstructure:"max_w"`
}

// WriteGuardSettings tunes the field-bus write discipline.
type WriteGuardSettings struct {
	PerRegMinS       float64 `json:"per_reg_min_s" mapstructure:"per_reg_min_s"`
	GlobalWritesPerS float64 `json:"global_writes_per_s" mapstructure:"global_writes_per_s"`
}

// Endpoints carries the backend URLs the edge talks to.
type Endpoints struct {
	IngestURL    string `json:"ingest_url" mapstructure:"ingest_url"`
	HealthURL    string `json:"health_url" mapstructure:"health_url"`
	BootstrapURL string `json:"bootstrap_url" mapstructure:"bootstrap_url"`
}

// CommsSettings is the static comms configuration delivered by bootstrap:
// the config-bus broker and the backend endpoints. Immutable after startup.
type CommsSettings struct {
	APIBaseURL     string `json:"api_base_url"`
	IngestEndpoint string `json:"ingest_endpoint"`
	HealthEndpoint string `json:"health_endpoint"`
	BrokerHost     string `json:"mqtt_broker_host"`
	BrokerPort     int    `json:"mqtt_broker_port"`
	BrokerUser     string `json:"mqtt_user"`
	BrokerPassword string `json:"mqtt_password"`
	KeepAliveS     int    `json:"keep_alive"`
	GroupID        string `json:"group_id"`
}

// Validate checks the comms settings delivered by bootstrap.
func (c CommsSettings) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("comms_settings: api_base_url is required")
	}
	if c.BrokerHost == "" {
		return errors.New("comms_settings: mqtt_broker_host is required")
	}
	if c.GroupID == "" {
		return errors.New("comms_settings: group_id is required")
	}
	return nil
}

// IngestURL returns the telemetry ingest URL, defaulting the endpoint path.
func (c CommsSettings) IngestURL() string {
	ep := c.IngestEndpoint
	if ep == "" {
		ep = "/blob/ingest"
	}
	return c.APIBaseURL + ep
}

// HealthURL returns the alert posting URL, defaulting the endpoint path.
func (c CommsSettings) HealthURL() string {
	ep := c.HealthEndpoint
	if ep == "" {
		ep = "/blob/health"
	}
	return c.APIBaseURL + ep
}

// Settings is the process-wide, hot-reloadable deployment configuration.
type Settings struct {
	EdgeStatus         string             `json:"edge_status"`
	CheapWindow        CheapWindow        `json:"cheap_window"`
	TargetSOCPercent   float64            `json:"target_soc_percent"`
	ImportChargePowerW float64            `json:"import_charge_power_w"`
	MinImportW         float64            `json:"min_import_w"`
	ExportCapW         float64            `json:"export_cap_w"`
	MeterBiasW         float64            `json:"meter_bias_w"`
	BiasDayW           float64            `json:"bias_day_w"`
	BiasNightW         float64            `json:"bias_night_w"`
	BiasSplitEnable    bool               `json:"bias_split_enable"`
	MaxChargeW         float64            `json:"max_charge_w"`
	MaxRampRateWPerS   float64            `json:"max_ramp_rate_w_per_s"`
	PVEnabled          bool               `json:"pv_enabled"`
	ExternalMeter      bool               `json:"external_meter"`
	RemoteCommLossS    float64            `json:"remote_comm_loss_time_s"`
	AutoBiasTrim       AutoBiasTrim       `json:"auto_bias_trim"`
	WriteGuard         WriteGuardSettings `json:"write_guard"`
	Endpoints          Endpoints          `json:"endpoints"`
}

// Validate rejects settings documents that would put the controller in an
// unsafe or meaningless configuration.
func (s Settings) Validate() error {
	if s.TargetSOCPercent < 0 || s.TargetSOCPercent > 100 {
		return errors.New("settings: target_soc_percent must be within [0,100]")
	}
	if s.ImportChargePowerW < 0 {
		return errors.New("settings: import_charge_power_w must be >= 0")
	}
	if s.MinImportW < 0 {
		return errors.New("settings: min_import_w must be >= 0")
	}
	if s.ExportCapW < 0 {
		return errors.New("settings: export_cap_w must be >= 0")
	}
	if s.MaxChargeW < 0 {
		return errors.New("settings: max_charge_w must be >= 0")
	}
	if s.MaxRampRateWPerS <= 0 {
		return errors.New("settings: max_ramp_rate_w_per_s must be > 0")
	}
	if s.CheapWindow.Start != "" || s.CheapWindow.End != "" {
		if _, err := ParseClockTime(s.CheapWindow.Start); err != nil {
			return fmt.Errorf("settings: cheap_window: %w", err)
		}
		if _, err := ParseClockTime(s.CheapWindow.End); err != nil {
			return fmt.Errorf("settings: cheap_window: %w", err)
		}
	}
	if s.AutoBiasTrim.Enable {
		if s.AutoBiasTrim.StepW <= 0 {
			return errors.New("settings: auto_bias_trim.step_w must be > 0")
		}
		if s.AutoBiasTrim.DeadbandW < 0 {
			return errors.New("settings: auto_bias_trim.deadband_w must be >= 0")
		}
		if s.AutoBiasTrim.MinW > s.AutoBiasTrim.MaxW {
			return errors.New("settings: auto_bias_trim bounds inverted")
		}
	}
	return nil
}

// BiasBounds returns the trim clamp, defaulting to ±500 W when unset.
func (t AutoBiasTrim) BiasBounds() (float64, float64) {
	if t.MinW == 0 && t.MaxW == 0 {
		return -500, 500
	}
	return t.MinW, t.MaxW
}

// EdgeBatteryConfig describes one battery unit of the site.
type EdgeBatteryConfig struct {
	ConsusID          string  `json:"consus_id"`
	ModbusHost        string  `json:"modbus_host"`
	ModbusPort        uint    `json:"modbus_port"`
	UnitID            uint8   `json:"unit_id"`
	MaxChargeW        float64 `json:"max_charge_w"`
	MaxRampRateWPerS  float64 `json:"max_ramp_rate_w_per_s"`
	PVEnabled         bool    `json:"pv_enabled"`
	CapacityWh        float64 `json:"capacity_wh,omitempty"`
	ReserveSOCPercent float64 `json:"reserve_soc_percent,omitempty"`
	MaxSOCPercent     float64 `json:"max_soc_percent,omitempty"`
}

// Validate checks a battery config document.
func (c EdgeBatteryConfig) Validate() error {
	if c.ConsusID == "" {
		return errors.New("battery_config: consus_id is required")
	}
	if c.ModbusHost == "" {
		return fmt.Errorf("battery_config %s: modbus_host is required", c.ConsusID)
	}
	if c.MaxChargeW < 0 {
		return fmt.Errorf("battery_config %s: max_charge_w must be >= 0", c.ConsusID)
	}
	if c.MaxRampRateWPerS < 0 {
		return fmt.Errorf("battery_config %s: max_ramp_rate_w_per_s must be >= 0", c.ConsusID)
	}
	return nil
}

// EdgeTask is a charge-window assignment for one battery. Static tasks apply
// every day; dynamic tasks are keyed by service day and carry conflict
// resolution metadata.
type EdgeTask struct {
	TaskCode         string        `json:"task_code"`
	TaskType         string        `json:"task_type"` // "static" | "dynamic"
	ServiceDay       string        `json:"service_day,omitempty"`
	ChargeWindows    []CheapWindow `json:"charge_windows,omitempty"`
	MaxImportLimitKW float64       `json:"max_import_limit_kw,omitempty"`
	Override         bool          `json:"override,omitempty"`
	IdempotencyKey   string        `json:"idempotency_key,omitempty"`
	Revision         int           `json:"revision,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at,omitempty"`
}

// TelemetryPayload is the per-sample register snapshot in physical units.
// Pointer fields are null in JSON when the register could not be read.
type TelemetryPayload struct {
	SOC          *float64  `json:"soc"`
	GridW        *float64  `json:"grid_w"`
	PVTotalW     float64   `json:"pv_total_w"`
	PVStringsW   []float64 `json:"pv_strings,omitempty"`
	MPPTsW       []float64 `json:"mppts,omitempty"`
	CT2W         *float64  `json:"ct2_w"`
	BatteryV     *float64  `json:"battery_v"`
	BatteryI     *float64  `json:"battery_i"`
	BatteryW     *float64  `json:"battery_w"`
	EMSMode      *float64  `json:"ems_mode"`
	AppMode      *float64  `json:"app_mode"`
	BiasW        *float64  `json:"bias_w"`
	CommsFaults  int       `json:"comms_faults,omitempty"`
	WritesOK     uint64    `json:"writes_ok"`
	WritesDedup  uint64    `json:"writes_dedup"`
	WritesPerReg uint64    `json:"writes_throttle_per_reg"`
	WritesGlobal uint64    `json:"writes_throttle_global"`
	WritesError  uint64    `json:"writes_error"`
	Error        string    `json:"error,omitempty"`
}

// TelemetrySample is one controller tick's published sample. Immutable after
// creation.
type TelemetrySample struct {
	ConsusID  string           `json:"consus_id"`
	Timestamp time.Time        `json:"timestamp"`
	Mode      string           `json:"mode"`
	Payload   TelemetryPayload `json:"payload"`
}

// AlertContext captures the site state at alert transition time.
type AlertContext struct {
	Mode  *float64 `json:"mode"`
	SOC   *float64 `json:"soc"`
	GridW *float64 `json:"grid_w"`
	PVW   *float64 `json:"pv_w"`
	BiasW *float64 `json:"bias_w"`
}

// RecentTelemetry is one ring entry attached to CRITICAL alerts.
type RecentTelemetry struct {
	TS    time.Time `json:"ts"`
	SOC   *float64  `json:"soc"`
	GridW *float64  `json:"grid_w"`
	PVW   *float64  `json:"pv_w"`
	Mode  string    `json:"mode,omitempty"`
	BiasW *float64  `json:"bias_w"`
}

// AlertEvent is one health state-machine transition (or heartbeat).
type AlertEvent struct {
	SiteID          string            `json:"site_id"`
	ConsusID        string            `json:"consus_id"`
	TS              time.Time         `json:"ts"`
	Severity        string            `json:"severity"`
	Code            string            `json:"code"`
	State           string            `json:"state"`
	EventID         string            `json:"event_id"`
	Count           int               `json:"count"`
	Heartbeat       bool              `json:"heartbeat,omitempty"`
	Context         AlertContext      `json:"context"`
	RecentTelemetry []RecentTelemetry `json:"recent_telemetry,omitempty"`
}

// FaultSafeIntent is the health monitor's directive to the controller.
type FaultSafeIntent struct {
	SourceCode string    `json:"source_code"`
	Active     bool      `json:"active"`
	SinceTS    time.Time `json:"since_ts"`
	Reason     string    `json:"reason"`
}
