// Package motor tracks one physical axis: it filters raw position samples,
// maps vendor states onto State, arbitrates against travel limits and issues
// motion commands.
package motor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/poll"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultChangeThreshold     = 0.0018
	DefaultMoveThreshold       = 0.0
	DefaultLowerLimit          = -1e4
	DefaultUpperLimit          = 1e4
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultPredefinedTolerance = 1e-3
)

// Config tunes one axis. Zero thresholds disable filtering; profiles resolve
// unset thresholds to DefaultChangeThreshold and DefaultMoveThreshold.
type Config struct {
	Name            string
	ChangeThreshold float64
	MoveThreshold   float64
	// Nil limits resolve to DefaultLowerLimit/DefaultUpperLimit.
	LowerLimit *float64
	UpperLimit *float64
	// PollInterval paces end-of-move waits.
	PollInterval        time.Duration
	PredefinedPositions map[string]float64
	PredefinedTolerance float64
}

// Channels binds a motor to its hardware. Position and State are required.
type Channels struct {
	Position     channel.Channel[float64]
	State        channel.Channel[string]
	Stop         channel.Command
	Velocity     channel.Channel[float64]
	Acceleration channel.Channel[float64]
}

type Status struct {
	Name       string  `json:"name"`
	Position   float64 `json:"position"`
	State      State   `json:"state"`
	Ready      bool    `json:"ready"`
	Lower      float64 `json:"lower_limit"`
	Upper      float64 `json:"upper_limit"`
	Predefined string  `json:"predefined_position,omitempty"`
}

type Motor struct {
	cfg    Config
	ch     Channels
	logger *zap.Logger
	bus    *events.Bus

	// emitMu serializes applying a sample and publishing its events, so
	// subscribers see one axis' transitions in the order samples arrived.
	emitMu sync.Mutex

	mu          sync.RWMutex
	position    float64
	state       State
	vendorState string
	ready       bool
	lower       float64
	upper       float64
	predefined  string

	unsubscribe []func()
}

func New(cfg Config, ch Channels, logger *zap.Logger) (*Motor, error) {
	if ch.Position == nil || ch.State == nil {
		return nil, &types.ConfigurationError{
			Component: "motor " + cfg.Name,
			Reason:    "position and state channels are required",
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PredefinedTolerance <= 0 {
		cfg.PredefinedTolerance = DefaultPredefinedTolerance
	}

	m := &Motor{
		cfg:    cfg,
		ch:     ch,
		logger: logger.With(zap.String("motor", cfg.Name)),
		bus:    events.NewBus("motor/" + cfg.Name),
		state:  StateNotInitialized,
		lower:  DefaultLowerLimit,
		upper:  DefaultUpperLimit,
	}
	if cfg.LowerLimit != nil {
		m.lower = *cfg.LowerLimit
	}
	if cfg.UpperLimit != nil {
		m.upper = *cfg.UpperLimit
	}

	m.unsubscribe = append(m.unsubscribe,
		ch.Position.Subscribe(m.OnPositionSample),
		ch.State.Subscribe(func(token string) {
			if err := m.OnStateSample(context.Background(), &token); err != nil {
				m.logger.Error("State update rejected", zap.String("token", token), zap.Error(err))
			}
		}),
	)

	return m, nil
}

func (m *Motor) Name() string {
	return m.cfg.Name
}

// Events returns the bus PositionChanged, StateChanged, LimitsChanged and
// PredefinedPositionChanged are published on.
func (m *Motor) Events() *events.Bus {
	return m.bus
}

func (m *Motor) Subscribe(h events.Handler) func() {
	return m.bus.Subscribe(h)
}

// Close detaches the motor from its channels.
func (m *Motor) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

// OnPositionSample applies a raw position sample. Samples within the change
// threshold of the stored position are ignored.
func (m *Motor) OnPositionSample(raw float64) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if math.Abs(raw-m.position) <= m.cfg.ChangeThreshold {
		m.mu.Unlock()
		return
	}
	m.position = raw
	m.mu.Unlock()

	m.bus.Publish(PositionChanged{Motor: m.cfg.Name, Position: raw})
	m.updatePredefined(raw)

	if err := m.applyState(context.Background(), nil); err != nil {
		m.logger.Error("State re-evaluation failed", zap.Float64("position", raw), zap.Error(err))
	}
}

// OnStateSample applies a vendor state token. A nil token is read from the
// state channel; when no token can be obtained the call is a no-op.
func (m *Motor) OnStateSample(ctx context.Context, raw *string) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	return m.applyState(ctx, raw)
}

func (m *Motor) applyState(ctx context.Context, raw *string) error {
	var token string
	if raw != nil {
		token = *raw
	} else {
		v, err := m.ch.State.Value(ctx)
		if err != nil {
			m.mu.RLock()
			token = m.vendorState
			m.mu.RUnlock()
		} else {
			token = v
		}
	}
	if NormalizeToken(token) == "" {
		return nil
	}

	mapped, err := MapVendorState(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	next := mapped
	if mapped != StateDisabled {
		if m.position >= m.upper {
			next = StateHighLimit
		} else if m.position <= m.lower {
			next = StateLowLimit
		}
	}
	m.vendorState = token
	m.ready = next.Usable()
	changed := next != m.state
	if changed {
		m.state = next
	}
	m.mu.Unlock()

	if changed {
		m.bus.Publish(StateChanged{Motor: m.cfg.Name, State: next})
	}
	return nil
}

// Position reads the position channel and stores the result without
// applying the change threshold. No PositionChanged is published; the state
// is re-evaluated against the limits like any other position update.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	pos, err := m.ch.Position.Value(ctx)
	if err != nil {
		return 0, err
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.position = pos
	m.mu.Unlock()

	if err := m.applyState(ctx, nil); err != nil {
		m.logger.Error("State re-evaluation failed", zap.Float64("position", pos), zap.Error(err))
	}
	return pos, nil
}

// CachedPosition returns the last stored position without touching hardware.
func (m *Motor) CachedPosition() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

func (m *Motor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady reports whether the last computed state accepts commands.
func (m *Motor) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Motor) IsMoving() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready && m.state == StateMoving
}

// Refresh forces a position and state update from the channels.
func (m *Motor) Refresh(ctx context.Context) error {
	pos, err := m.ch.Position.Value(ctx)
	if err != nil {
		return err
	}
	m.OnPositionSample(pos)
	return m.OnStateSample(ctx, nil)
}

// Move issues a position command unless target is within the move threshold
// of the current position. It does not wait for the motion to finish.
func (m *Motor) Move(ctx context.Context, target float64) error {
	current, err := m.ch.Position.Value(ctx)
	if err != nil {
		current = m.CachedPosition()
	}

	if math.Abs(target-current) <= m.cfg.MoveThreshold {
		m.logger.Debug("Move skipped, already at target",
			zap.Float64("target", target),
			zap.Float64("current", current))
		return nil
	}

	m.logger.Debug("Moving", zap.Float64("target", target), zap.Float64("from", current))

	if err := m.ch.Position.SetValue(ctx, target); err != nil {
		return fmt.Errorf("move %s to %g: %w", m.cfg.Name, target, err)
	}
	return nil
}

// SyncMove moves and waits for the end of the motion. A zero timeout waits
// until ctx is done.
func (m *Motor) SyncMove(ctx context.Context, target float64, timeout time.Duration) error {
	if err := m.Move(ctx, target); err != nil {
		return err
	}
	return m.WaitEndOfMove(ctx, timeout)
}

func (m *Motor) MoveRelative(ctx context.Context, delta float64) error {
	pos, err := m.Position(ctx)
	if err != nil {
		return fmt.Errorf("move %s relative: %w", m.cfg.Name, err)
	}
	return m.Move(ctx, pos+delta)
}

func (m *Motor) SyncMoveRelative(ctx context.Context, delta float64, timeout time.Duration) error {
	pos, err := m.Position(ctx)
	if err != nil {
		return fmt.Errorf("move %s relative: %w", m.cfg.Name, err)
	}
	return m.SyncMove(ctx, pos+delta, timeout)
}

// WaitEndOfMove blocks until the motor is no longer moving. State changes
// wake the wait early; otherwise the state channel is re-read every poll
// interval.
func (m *Motor) WaitEndOfMove(ctx context.Context, timeout time.Duration) error {
	wake := make(chan struct{}, 1)
	unsubscribe := m.bus.Subscribe(func(e events.Event) {
		if _, ok := e.(StateChanged); !ok {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	return poll.Until(ctx, "wait end of move "+m.cfg.Name, m.cfg.PollInterval, timeout, wake,
		func(ctx context.Context) bool {
			if err := m.OnStateSample(ctx, nil); err != nil {
				m.logger.Warn("State refresh failed while waiting", zap.Error(err))
			}
			return !m.IsMoving()
		})
}

// Stop sends the stop command without waiting for confirmation.
func (m *Motor) Stop(ctx context.Context) error {
	if m.ch.Stop == nil {
		return &types.ConfigurationError{Component: "motor " + m.cfg.Name, Reason: "no stop command bound"}
	}
	m.logger.Info("Stop requested")
	return m.ch.Stop.Execute(ctx)
}

// Velocity is advisory: read failures report ok=false instead of an error.
func (m *Motor) Velocity(ctx context.Context) (float64, bool) {
	if m.ch.Velocity == nil {
		return 0, false
	}
	v, err := m.ch.Velocity.Value(ctx)
	if err != nil {
		m.logger.Debug("Velocity unavailable", zap.Error(err))
		return 0, false
	}
	return v, true
}

func (m *Motor) SetVelocity(ctx context.Context, v float64) error {
	if m.ch.Velocity == nil {
		return &types.ConfigurationError{Component: "motor " + m.cfg.Name, Reason: "no velocity channel bound"}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("set velocity %s: invalid value %v", m.cfg.Name, v)
	}
	return m.ch.Velocity.SetValue(ctx, v)
}

func (m *Motor) Acceleration(ctx context.Context) (float64, bool) {
	if m.ch.Acceleration == nil {
		return 0, false
	}
	v, err := m.ch.Acceleration.Value(ctx)
	if err != nil {
		m.logger.Debug("Acceleration unavailable", zap.Error(err))
		return 0, false
	}
	return v, true
}

func (m *Motor) Limits() (lower, upper float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lower, m.upper
}

// SetLimits replaces the travel limits and re-evaluates the state against them.
func (m *Motor) SetLimits(lower, upper float64) error {
	if !(lower < upper) {
		return fmt.Errorf("set limits %s: lower %g must be below upper %g", m.cfg.Name, lower, upper)
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.lower, m.upper = lower, upper
	m.mu.Unlock()

	m.bus.Publish(LimitsChanged{Motor: m.cfg.Name, Lower: lower, Upper: upper})
	return m.applyState(context.Background(), nil)
}

// UpdateValues republishes the limits and a freshly read position.
func (m *Motor) UpdateValues(ctx context.Context) error {
	pos, err := m.Position(ctx)
	if err != nil {
		return err
	}
	lower, upper := m.Limits()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.bus.Publish(LimitsChanged{Motor: m.cfg.Name, Lower: lower, Upper: upper})
	m.bus.Publish(PositionChanged{Motor: m.cfg.Name, Position: pos})
	return nil
}

// PredefinedPositions returns the named positions sorted by name.
func (m *Motor) PredefinedPositions() []string {
	names := make([]string, 0, len(m.cfg.PredefinedPositions))
	for name := range m.cfg.PredefinedPositions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Motor) CurrentPredefinedPosition() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.predefined
}

func (m *Motor) MoveToPredefined(ctx context.Context, name string) error {
	target, ok := m.cfg.PredefinedPositions[name]
	if !ok {
		return fmt.Errorf("motor %s has no predefined position %q", m.cfg.Name, name)
	}
	return m.Move(ctx, target)
}

func (m *Motor) updatePredefined(pos float64) {
	if len(m.cfg.PredefinedPositions) == 0 {
		return
	}

	name, offset := "", 0.0
	best := math.Inf(1)
	for n, p := range m.cfg.PredefinedPositions {
		d := math.Abs(pos - p)
		if d <= m.cfg.PredefinedTolerance && d < best {
			name, offset, best = n, pos-p, d
		}
	}

	m.mu.Lock()
	changed := name != m.predefined
	m.predefined = name
	m.mu.Unlock()

	if changed {
		m.bus.Publish(PredefinedPositionChanged{Motor: m.cfg.Name, Name: name, Offset: offset})
	}
}

func (m *Motor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		Name:       m.cfg.Name,
		Position:   m.position,
		State:      m.state,
		Ready:      m.ready,
		Lower:      m.lower,
		Upper:      m.upper,
		Predefined: m.predefined,
	}
}
