package supervisor

import (
	"context"
	"sync"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// Channels binds a supervisor to its hardware. Commands holds one
// transition command per target phase.
type Channels struct {
	Phase    channel.Channel[string]
	State    channel.Channel[string]
	Commands map[Phase]channel.Command
}

// Device is a Supervisor backed by channels.
type Device struct {
	ch     Channels
	logger *zap.Logger
	bus    *events.Bus

	mu    sync.RWMutex
	phase Phase
	state string

	unsubscribe []func()
}

var _ Supervisor = (*Device)(nil)

func NewDevice(ch Channels, logger *zap.Logger) (*Device, error) {
	if ch.Phase == nil || ch.State == nil {
		return nil, &types.ConfigurationError{Component: "supervisor", Reason: "phase and state channels are required"}
	}

	d := &Device{
		ch:     ch,
		logger: logger.Named("supervisor"),
		bus:    events.NewBus("supervisor"),
		phase:  PhaseUnknown,
	}

	d.unsubscribe = append(d.unsubscribe,
		ch.Phase.Subscribe(func(token string) { d.setPhase(ParsePhase(token)) }),
		ch.State.Subscribe(d.setState),
	)

	return d, nil
}

func (d *Device) Events() *events.Bus {
	return d.bus
}

func (d *Device) Subscribe(h events.Handler) func() {
	return d.bus.Subscribe(h)
}

func (d *Device) Close() {
	for _, fn := range d.unsubscribe {
		fn()
	}
	d.unsubscribe = nil
}

// CurrentPhase reads the phase channel. A failed read is logged and the
// last reported phase is returned.
func (d *Device) CurrentPhase(ctx context.Context) (Phase, error) {
	token, err := d.ch.Phase.Value(ctx)
	if err != nil {
		d.logger.Warn("Phase read failed, using last reported phase", zap.Error(err))
		return d.LastPhase(), nil
	}

	phase := ParsePhase(token)
	d.setPhase(phase)
	return phase, nil
}

// State reads the supervisor state channel, falling back to the last
// reported state on failure.
func (d *Device) State(ctx context.Context) (string, error) {
	state, err := d.ch.State.Value(ctx)
	if err != nil {
		d.mu.RLock()
		last := d.state
		d.mu.RUnlock()

		if last == "" {
			return "", err
		}
		d.logger.Warn("State read failed, using last reported state", zap.Error(err))
		return last, nil
	}

	d.setState(state)
	return state, nil
}

func (d *Device) LastPhase() Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

func (d *Device) GoSampleView(ctx context.Context) error { return d.request(ctx, PhaseSample) }
func (d *Device) GoCollect(ctx context.Context) error    { return d.request(ctx, PhaseCollect) }
func (d *Device) GoTransfer(ctx context.Context) error   { return d.request(ctx, PhaseTransfer) }
func (d *Device) GoBeamView(ctx context.Context) error   { return d.request(ctx, PhaseBeamView) }

func (d *Device) request(ctx context.Context, target Phase) error {
	cmd, ok := d.ch.Commands[target]
	if !ok || cmd == nil {
		return &types.ConfigurationError{Component: "supervisor", Reason: "no command bound for phase " + string(target)}
	}

	d.logger.Info("Requesting phase", zap.String("phase", string(target)))
	return cmd.Execute(ctx)
}

func (d *Device) setPhase(phase Phase) {
	d.mu.Lock()
	changed := phase != d.phase
	d.phase = phase
	d.mu.Unlock()

	if changed {
		d.logger.Debug("Phase changed", zap.String("phase", string(phase)))
		d.bus.Publish(PhaseChanged{Phase: phase})
	}
}

func (d *Device) setState(state string) {
	d.mu.Lock()
	changed := state != d.state
	d.state = state
	d.mu.Unlock()

	if changed {
		d.bus.Publish(StateChanged{State: state})
	}
}
