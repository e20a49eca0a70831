// Package diffractometer aggregates the axes of a mini-diffractometer, the
// phase supervisor and the camera calibration into one instrument.
package diffractometer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/calibration"
	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	StateReady = "Ready"

	DefaultPollInterval = 200 * time.Millisecond
	DefaultPhaseTimeout = 60 * time.Second
	DefaultMoveTimeout  = 60 * time.Second
)

type Config struct {
	// PollInterval paces the supervisor and readiness waits.
	PollInterval time.Duration
	// PhaseTimeout bounds the wait for the supervisor to leave MOVING.
	PhaseTimeout time.Duration
	MoveTimeout  time.Duration
	// PixelSize defaults to calibration.FromCalibY.
	PixelSize      calibration.PixelSize
	OmegaReference *types.OmegaReference
}

// Deps are resolved once at startup. Any of them may be missing; the
// affected operations report a configuration error.
type Deps struct {
	Motors       map[types.Role]*motor.Motor
	Supervisor   supervisor.Supervisor
	Calibration  calibration.Source
	StateChannel channel.Channel[string]
	BeamX        channel.Channel[float64]
	BeamY        channel.Channel[float64]
}

// Centring is the engine the diffractometer hands centring requests to.
type Centring interface {
	StartManual(ctx context.Context) (uuid.UUID, error)
	StartAuto(ctx context.Context, src centring.PointSource) (uuid.UUID, error)
	Invalidate()
}

type BeamInfo struct {
	SizeX float64 `json:"size_x"`
	SizeY float64 `json:"size_y"`
	Shape string  `json:"shape"`
}

type Status struct {
	State          string                      `json:"state"`
	Phase          supervisor.Phase            `json:"phase"`
	PixelsPerMmX   float64                     `json:"pixels_per_mm_x"`
	PixelsPerMmY   float64                     `json:"pixels_per_mm_y"`
	OmegaReference *types.OmegaReference       `json:"omega_reference,omitempty"`
	Positions      map[types.Role]float64      `json:"positions"`
	MotorStates    map[types.Role]motor.State  `json:"motor_states"`
	Motors         map[types.Role]motor.Status `json:"motors"`
}

type Diffractometer struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	bus    *events.Bus

	mu           sync.RWMutex
	motors       map[types.Role]*motor.Motor
	positions    map[types.Role]float64
	motorStates  map[types.Role]motor.State
	currentState string
	currentPhase supervisor.Phase
	ppmX, ppmY   float64
	omegaRef     *types.OmegaReference
	centring     Centring

	unsubscribe []func()
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Diffractometer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = DefaultMoveTimeout
	}
	if cfg.PixelSize == nil {
		cfg.PixelSize = calibration.FromCalibY
	}

	return &Diffractometer{
		cfg:          cfg,
		deps:         deps,
		logger:       logger.Named("diffractometer"),
		bus:          events.NewBus("diffractometer"),
		motors:       make(map[types.Role]*motor.Motor),
		positions:    make(map[types.Role]float64),
		motorStates:  make(map[types.Role]motor.State),
		currentPhase: supervisor.PhaseUnknown,
	}
}

func (d *Diffractometer) Events() *events.Bus {
	return d.bus
}

func (d *Diffractometer) Subscribe(h events.Handler) func() {
	return d.bus.Subscribe(h)
}

// SetCentring installs the centring engine. Centring requests made before
// are reported as failures.
func (d *Diffractometer) SetCentring(c Centring) {
	d.mu.Lock()
	d.centring = c
	d.mu.Unlock()
}

// Init binds the configured axes to their roles and subscribes to every
// collaborator. Missing roles are logged and left inert.
func (d *Diffractometer) Init(ctx context.Context) {
	required := make(map[types.Role]bool)
	for _, role := range types.RequiredRoles() {
		required[role] = true
	}

	for _, role := range types.AllRoles() {
		m := d.deps.Motors[role]
		if m == nil {
			err := &types.ConfigurationError{Component: "diffractometer", Role: role, Reason: "motor is not defined"}
			if required[role] {
				d.logger.Error("Required axis missing", zap.Error(err))
			} else {
				d.logger.Warn("Axis missing", zap.Error(err))
			}
			continue
		}
		d.bind(role, m)
	}

	// Subscribers start from the hardware's limits and positions.
	for _, role := range types.AllRoles() {
		m := d.deps.Motors[role]
		if m == nil {
			continue
		}
		if err := m.UpdateValues(ctx); err != nil {
			d.logger.Warn("Initial values unavailable", zap.String("motor", string(role)), zap.Error(err))
		}
	}

	if d.deps.Supervisor != nil {
		d.unsubscribe = append(d.unsubscribe, d.deps.Supervisor.Subscribe(d.onSupervisorEvent))
		if phase, err := d.deps.Supervisor.CurrentPhase(ctx); err == nil {
			d.mu.Lock()
			d.currentPhase = phase
			d.mu.Unlock()
		}
	} else {
		d.logger.Error("Supervisor missing",
			zap.Error(&types.ConfigurationError{Component: "diffractometer", Reason: "supervisor is not defined"}))
	}

	if d.deps.StateChannel != nil {
		d.unsubscribe = append(d.unsubscribe, d.deps.StateChannel.Subscribe(d.onStateSample))
		if token, err := d.deps.StateChannel.Value(ctx); err == nil {
			d.onStateSample(token)
		} else {
			d.logger.Warn("Initial state read failed", zap.Error(err))
		}
	}

	if ref := d.cfg.OmegaReference; ref != nil {
		if math.IsNaN(ref.Position) || math.IsInf(ref.Position, 0) {
			d.logger.Warn("Invalid value for omega reference", zap.Float64("position", ref.Position))
		} else {
			d.logger.Debug("Setting omega reference position", zap.Float64("position", ref.Position))
			d.mu.Lock()
			d.omegaRef = &types.OmegaReference{Position: ref.Position}
			d.mu.Unlock()
		}
	}

	if err := d.UpdatePixelsPerMm(ctx); err != nil {
		d.logger.Error("Pixel size unavailable", zap.Error(err))
	}
}

func (d *Diffractometer) bind(role types.Role, m *motor.Motor) {
	d.mu.Lock()
	d.motors[role] = m
	d.positions[role] = m.CachedPosition()
	d.motorStates[role] = m.State()
	d.mu.Unlock()

	d.unsubscribe = append(d.unsubscribe, m.Subscribe(func(e events.Event) {
		switch ev := e.(type) {
		case motor.PositionChanged:
			d.onMotorMoved(role, ev.Position)
		case motor.StateChanged:
			d.onMotorState(role, ev.State)
		case motor.LimitsChanged:
			d.bus.Publish(LimitsChanged{Motor: role, Lower: ev.Lower, Upper: ev.Upper})
		case motor.PredefinedPositionChanged:
			if role == types.RoleZoom {
				d.onZoomPredefined(ev.Name, ev.Offset)
			}
		}
	}))
}

// onMotorMoved republishes named moved events for phi, kappa and kappa_phi
// only. Other axes update the position map silently.
func (d *Diffractometer) onMotorMoved(role types.Role, pos float64) {
	d.mu.Lock()
	d.positions[role] = pos
	d.mu.Unlock()

	switch role {
	case types.RolePhi, types.RoleKappa, types.RoleKappaPhi:
		d.bus.Publish(MotorMoved{Motor: role, Position: pos})
	case types.RoleZoom:
		if err := d.UpdatePixelsPerMm(context.Background()); err != nil {
			d.logger.Error("Pixel size update failed", zap.Float64("zoom", pos), zap.Error(err))
		}
	}
}

func (d *Diffractometer) onMotorState(role types.Role, state motor.State) {
	d.mu.Lock()
	d.motorStates[role] = state
	d.mu.Unlock()

	d.bus.Publish(StateChanged{Motor: role, State: state})
}

func (d *Diffractometer) onZoomPredefined(name string, offset float64) {
	if err := d.UpdatePixelsPerMm(context.Background()); err != nil {
		d.logger.Error("Pixel size update failed", zap.String("zoom", name), zap.Error(err))
	}
	d.bus.Publish(ZoomPredefinedPositionChanged{Name: name, Offset: offset})
}

// onStateSample maps the instrument state channel; ON is reported as Ready.
func (d *Diffractometer) onStateSample(token string) {
	state := token
	if motor.NormalizeToken(token) == "ON" {
		state = StateReady
	}

	d.mu.Lock()
	if state == d.currentState {
		d.mu.Unlock()
		return
	}
	previous := d.currentState
	d.currentState = state
	d.mu.Unlock()

	d.logger.Debug("State changed", zap.String("state", state), zap.String("was", previous))
	d.bus.Publish(MinidiffStateChanged{State: state})
}

// onSupervisorEvent mirrors the supervisor phase. Supervisor state changes
// are not folded into the instrument state.
func (d *Diffractometer) onSupervisorEvent(e events.Event) {
	ev, ok := e.(supervisor.PhaseChanged)
	if !ok {
		return
	}

	d.mu.Lock()
	d.currentPhase = ev.Phase
	d.mu.Unlock()

	d.bus.Publish(MinidiffPhaseChanged{Phase: ev.Phase})
}

// UpdatePixelsPerMm recomputes the image scale from the calibration source.
func (d *Diffractometer) UpdatePixelsPerMm(ctx context.Context) error {
	if d.deps.Calibration == nil {
		return &types.ConfigurationError{Component: "diffractometer", Reason: "calibration is not defined"}
	}

	calibX, calibY, err := d.deps.Calibration.Calibration(ctx)
	if err != nil {
		return fmt.Errorf("read calibration: %w", err)
	}
	x, y, err := d.cfg.PixelSize(calibX, calibY)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.ppmX, d.ppmY = x, y
	d.mu.Unlock()

	d.bus.Publish(PixelsPerMmChanged{X: x, Y: y})
	return nil
}

func (d *Diffractometer) PixelsPerMm() (float64, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ppmX, d.ppmY
}

func (d *Diffractometer) OmegaReference() *types.OmegaReference {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.omegaRef == nil {
		return nil
	}
	ref := *d.omegaRef
	return &ref
}

func (d *Diffractometer) CurrentState() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentState
}

func (d *Diffractometer) CurrentPhase() supervisor.Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentPhase
}

// Motor returns the axis bound to role.
func (d *Diffractometer) Motor(role types.Role) (*motor.Motor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.motors[role]
	return m, ok
}

func (d *Diffractometer) Motors() map[types.Role]*motor.Motor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[types.Role]*motor.Motor, len(d.motors))
	for role, m := range d.motors {
		out[role] = m
	}
	return out
}

// MotorPositions returns the last forwarded position of every bound axis.
func (d *Diffractometer) MotorPositions() map[types.Role]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[types.Role]float64, len(d.positions))
	for role, pos := range d.positions {
		out[role] = pos
	}
	return out
}

// CentredPositionMotorNames lists the axes recorded in a centred position.
func (d *Diffractometer) CentredPositionMotorNames() []string {
	roles := types.CentredPositionRoles()
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return names
}

func (d *Diffractometer) UsesSampleChanger() bool { return true }

func (d *Diffractometer) InPlateMode() bool { return false }

func (d *Diffractometer) Status() Status {
	motors := d.Motors()
	snapshots := make(map[types.Role]motor.Status, len(motors))
	for role, m := range motors {
		snapshots[role] = m.Snapshot()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	states := make(map[types.Role]motor.State, len(d.motorStates))
	for role, s := range d.motorStates {
		states[role] = s
	}
	positions := make(map[types.Role]float64, len(d.positions))
	for role, p := range d.positions {
		positions[role] = p
	}

	var ref *types.OmegaReference
	if d.omegaRef != nil {
		r := *d.omegaRef
		ref = &r
	}

	return Status{
		State:          d.currentState,
		Phase:          d.currentPhase,
		PixelsPerMmX:   d.ppmX,
		PixelsPerMmY:   d.ppmY,
		OmegaReference: ref,
		Positions:      positions,
		MotorStates:    states,
		Motors:         snapshots,
	}
}

// BeamInfo reads the beam size channels, converting micrometres to millimetres.
func (d *Diffractometer) BeamInfo(ctx context.Context) (BeamInfo, error) {
	if d.deps.BeamX == nil || d.deps.BeamY == nil {
		return BeamInfo{}, &types.ConfigurationError{Component: "diffractometer", Reason: "beam info channels are not defined"}
	}

	x, err := d.deps.BeamX.Value(ctx)
	if err != nil {
		return BeamInfo{}, err
	}
	y, err := d.deps.BeamY.Value(ctx)
	if err != nil {
		return BeamInfo{}, err
	}

	return BeamInfo{SizeX: x / 1000.0, SizeY: y / 1000.0, Shape: "ellipse"}, nil
}

func (d *Diffractometer) Close() {
	for _, fn := range d.unsubscribe {
		fn()
	}
	d.unsubscribe = nil
}

func (d *Diffractometer) requireMotor(role types.Role) (*motor.Motor, error) {
	m, ok := d.Motor(role)
	if !ok {
		return nil, &types.ConfigurationError{Component: "diffractometer", Role: role, Reason: "motor is not defined"}
	}
	return m, nil
}
