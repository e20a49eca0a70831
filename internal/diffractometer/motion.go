package diffractometer

import (
	"context"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/poll"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// MoveOmega starts phi towards pos, optionally setting its velocity first.
func (d *Diffractometer) MoveOmega(ctx context.Context, pos float64, velocity *float64) error {
	phi, err := d.requireMotor(types.RolePhi)
	if err != nil {
		return err
	}

	if velocity != nil {
		if err := phi.SetVelocity(ctx, *velocity); err != nil {
			return err
		}
	}
	return phi.Move(ctx, pos)
}

// MoveOmegaRelative rotates phi by delta once the instrument is idle and
// waits until it is idle again.
func (d *Diffractometer) MoveOmegaRelative(ctx context.Context, delta float64) error {
	phi, err := d.requireMotor(types.RolePhi)
	if err != nil {
		return err
	}

	if err := d.WaitDeviceReady(ctx, d.cfg.MoveTimeout); err != nil {
		return err
	}
	if err := phi.SyncMoveRelative(ctx, delta, d.cfg.MoveTimeout); err != nil {
		return err
	}
	return d.WaitDeviceReady(ctx, d.cfg.MoveTimeout)
}

// IsReady reports whether no bound axis is moving and the instrument state
// is not a motion state.
func (d *Diffractometer) IsReady() bool {
	for _, m := range d.Motors() {
		if m.IsMoving() {
			return false
		}
	}

	switch motor.NormalizeToken(d.CurrentState()) {
	case "MOVING", "RUNNING":
		return false
	}
	return true
}

// WaitDeviceReady blocks until IsReady holds. A zero timeout waits until
// ctx is done.
func (d *Diffractometer) WaitDeviceReady(ctx context.Context, timeout time.Duration) error {
	if d.IsReady() {
		return nil
	}

	wake := make(chan struct{}, 1)
	unsubscribe := d.bus.Subscribe(func(e events.Event) {
		switch e.(type) {
		case StateChanged, MinidiffStateChanged:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	err := poll.Until(ctx, "wait device ready", d.cfg.PollInterval, timeout, wake,
		func(context.Context) bool { return d.IsReady() })
	if err != nil {
		d.logger.Warn("Device not ready", zap.Error(err))
	}
	return err
}
