package diffractometer

import (
	"context"
	"errors"

	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/poll"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PrepareCentring makes sure the instrument is in the sample view phase,
// requesting it from the supervisor when needed.
func (d *Diffractometer) PrepareCentring(ctx context.Context) bool {
	sup := d.deps.Supervisor
	if sup == nil {
		d.logger.Error("Cannot prepare centring",
			zap.Error(&types.ConfigurationError{Component: "diffractometer", Reason: "supervisor is not defined"}))
		return false
	}

	phase, err := sup.CurrentPhase(ctx)
	if err != nil {
		d.logger.Warn("Supervisor phase unavailable", zap.Error(err))
	} else if phase.IsSampleView() {
		return true
	}

	d.logger.Info("Not in sample view phase, asking supervisor to go", zap.String("phase", string(phase)))
	if !d.GoSampleView(ctx) {
		d.logger.Info("Cannot set sample view phase")
		return false
	}
	return true
}

// GoSampleView requests the sample view phase and waits for the supervisor
// to leave MOVING. It reports false when the request fails or the wait
// exceeds the phase timeout.
func (d *Diffractometer) GoSampleView(ctx context.Context) bool {
	sup := d.deps.Supervisor
	if sup == nil {
		return false
	}

	wake := make(chan struct{}, 1)
	unsubscribe := sup.Subscribe(func(e events.Event) {
		if _, ok := e.(supervisor.StateChanged); !ok {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := sup.GoSampleView(ctx); err != nil {
		d.logger.Error("Sample view request failed", zap.Error(err))
		return false
	}

	err := poll.Until(ctx, "go sample view", d.cfg.PollInterval, d.cfg.PhaseTimeout, wake,
		func(ctx context.Context) bool {
			state, err := sup.State(ctx)
			if err != nil {
				d.logger.Debug("Supervisor state unavailable", zap.Error(err))
				return false
			}
			d.logger.Debug("Waiting for sample view", zap.String("supervisor_state", state))
			return state != supervisor.StateMoving
		})
	if err != nil {
		d.logger.Warn("Sample view not reached", zap.Error(err))
		return false
	}

	d.logger.Debug("Sample view done")
	return true
}

func (d *Diffractometer) centringEngine() Centring {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.centring
}

// StartManualCentring prepares the instrument and opens a click-driven
// centring session. Failures are reported through ok, never raised.
func (d *Diffractometer) StartManualCentring(ctx context.Context) (uuid.UUID, bool) {
	return d.startCentring(ctx, func(c Centring) (uuid.UUID, error) {
		return c.StartManual(ctx)
	})
}

// StartAutoCentring is StartManualCentring with points supplied by src.
func (d *Diffractometer) StartAutoCentring(ctx context.Context, src centring.PointSource) (uuid.UUID, bool) {
	return d.startCentring(ctx, func(c Centring) (uuid.UUID, error) {
		return c.StartAuto(ctx, src)
	})
}

func (d *Diffractometer) startCentring(ctx context.Context, start func(Centring) (uuid.UUID, error)) (uuid.UUID, bool) {
	engine := d.centringEngine()
	if engine == nil {
		d.logger.Error("Centring is not defined")
		return uuid.Nil, false
	}

	if !d.PrepareCentring(ctx) {
		d.logger.Info("Failed to prepare diffractometer for centring")
		engine.Invalidate()
		return uuid.Nil, false
	}

	id, err := start(engine)
	if err != nil {
		if errors.Is(err, centring.ErrBusy) {
			d.logger.Warn("Centring already running")
		} else {
			d.logger.Error("Centring failed to start", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

func (d *Diffractometer) InvalidateCentring() {
	if engine := d.centringEngine(); engine != nil {
		engine.Invalidate()
	}
}

// SetPhase maps a requested phase to one supervisor command. "Centring"
// goes to the sample view; unknown phases are logged and ignored.
func (d *Diffractometer) SetPhase(ctx context.Context, phase string) error {
	sup := d.deps.Supervisor
	if sup == nil {
		return &types.ConfigurationError{Component: "diffractometer", Reason: "supervisor is not defined"}
	}

	switch phase {
	case "Transfer":
		return sup.GoTransfer(ctx)
	case "Collect":
		return sup.GoCollect(ctx)
	case "BeamView":
		return sup.GoBeamView(ctx)
	case "Centring":
		return sup.GoSampleView(ctx)
	default:
		d.logger.Warn("Set phase asked for unhandled phase", zap.String("phase", phase))
		return nil
	}
}
