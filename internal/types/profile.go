package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	TransportModbus = "modbus"
	TransportSim    = "sim"

	CalibrationStatic    = "static"
	CalibrationZoomTable = "zoom_table"

	PixelSizeFromCalibY = "caliby"
	PixelSizePerAxis    = "per_axis"
)

// InstrumentProfile describes one diffractometer: where every axis lives on
// the transport and how the orchestration is tuned.
type InstrumentProfile struct {
	Instrument     InstrumentInfo        `json:"instrument"`
	Devices        []DeviceConnection    `json:"devices"`
	Motors         map[Role]MotorProfile `json:"motors"`
	Supervisor     *SupervisorProfile    `json:"supervisor,omitempty"`
	StateChannel   *ChannelBinding       `json:"state_channel,omitempty"`
	BeamInfo       *BeamInfoProfile      `json:"beam_info,omitempty"`
	Calibration    CalibrationProfile    `json:"calibration"`
	PixelSizeMode  string                `json:"pixel_size_mode,omitempty"`
	OmegaReference *OmegaReference       `json:"omega_reference,omitempty"`
	Centring       CentringProfile       `json:"centring"`
}

type InstrumentInfo struct {
	ID          string `json:"id"`
	Beamline    string `json:"beamline"`
	Description string `json:"description"`
}

type DeviceConnection struct {
	Name           string `json:"name"`
	Transport      string `json:"transport"`
	IPAddress      string `json:"ip_address,omitempty"`
	Port           int    `json:"port,omitempty"`
	UnitID         int    `json:"unit_id,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms,omitempty"`
	TimeoutMs      int    `json:"timeout_ms,omitempty"`
}

type MotorProfile struct {
	MotorName           string             `json:"motor_name,omitempty"`
	Device              string             `json:"device"`
	BaseAddress         uint16             `json:"base_address"`
	Threshold           *float64           `json:"threshold,omitempty"`
	MoveThreshold       *float64           `json:"move_threshold,omitempty"`
	Interval            Interval           `json:"interval,omitempty"`
	Limits              *LimitsProfile     `json:"limits,omitempty"`
	PredefinedPositions map[string]float64 `json:"predefined_positions,omitempty"`
	Sim                 *SimAxisProfile    `json:"sim,omitempty"`
}

type LimitsProfile struct {
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

type SimAxisProfile struct {
	InitialPosition float64 `json:"initial_position"`
	Velocity        float64 `json:"velocity"`
	Acceleration    float64 `json:"acceleration"`
}

type SupervisorProfile struct {
	Device       string   `json:"device"`
	BaseAddress  uint16   `json:"base_address"`
	Interval     Interval `json:"interval,omitempty"`
	InitialPhase string   `json:"initial_phase,omitempty"`
}

type ChannelBinding struct {
	Device   string   `json:"device"`
	Address  uint16   `json:"address"`
	Interval Interval `json:"interval,omitempty"`
}

type BeamInfoProfile struct {
	Device   string `json:"device"`
	XAddress uint16 `json:"x_address"`
	YAddress uint16 `json:"y_address"`
}

type CalibrationProfile struct {
	Type      string  `json:"type"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	TablePath string  `json:"table_path,omitempty"`
}

type CentringProfile struct {
	Clicks       int     `json:"clicks,omitempty"`
	RotationStep float64 `json:"rotation_step,omitempty"`
	BeamCenterX  float64 `json:"beam_center_x,omitempty"`
	BeamCenterY  float64 `json:"beam_center_y,omitempty"`
}

// Interval is either a poll period in milliseconds or "events".
type Interval struct {
	Events bool
	Period time.Duration
}

const intervalEvents = "events"

func (i *Interval) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return i.set(raw)
}

func (i Interval) MarshalJSON() ([]byte, error) {
	if i.Period > 0 {
		return json.Marshal(i.Period.Milliseconds())
	}
	return json.Marshal(intervalEvents)
}

func (i *Interval) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*i = Interval{Events: true}
	case float64:
		if v <= 0 {
			return fmt.Errorf("interval must be positive, got %v", v)
		}
		*i = Interval{Period: time.Duration(v * float64(time.Millisecond))}
	case string:
		if strings.EqualFold(v, intervalEvents) || v == "" {
			*i = Interval{Events: true}
			return nil
		}
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid interval %q", v)
		}
		*i = Interval{Period: time.Duration(ms) * time.Millisecond}
	default:
		return fmt.Errorf("invalid interval type %T", raw)
	}
	return nil
}

// Resolve returns the poll period, falling back to def for event channels.
func (i Interval) Resolve(def time.Duration) time.Duration {
	if i.Period > 0 {
		return i.Period
	}
	return def
}

// Device returns the named device connection.
func (p *InstrumentProfile) Device(name string) (DeviceConnection, bool) {
	for _, d := range p.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConnection{}, false
}
