// Package sim provides simulated axes and a simulated phase supervisor on
// in-memory channels, for bench runs without hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultTick = 20 * time.Millisecond

	stateOn     = "ON"
	stateMoving = "MOVING"
)

// Axis moves towards commanded positions at its velocity, pushing position
// samples every tick. A velocity of zero moves instantly.
type Axis struct {
	name   string
	tick   time.Duration
	logger *zap.Logger

	Position     *channel.Memory[float64]
	State        *channel.Memory[string]
	Velocity     *channel.Memory[float64]
	Acceleration *channel.Memory[float64]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAxis(name string, p types.SimAxisProfile, tick time.Duration, logger *zap.Logger) *Axis {
	if tick <= 0 {
		tick = DefaultTick
	}

	a := &Axis{
		name:         name,
		tick:         tick,
		logger:       logger.With(zap.String("sim_axis", name)),
		Position:     channel.NewMemoryWith(name+".position", p.InitialPosition),
		State:        channel.NewMemoryWith(name+".state", stateOn),
		Velocity:     channel.NewMemoryWith(name+".velocity", p.Velocity),
		Acceleration: channel.NewMemoryWith(name+".acceleration", p.Acceleration),
	}
	a.Position.OnSet(a.moveTo)
	return a
}

// Channels binds a motor to the simulated axis.
func (a *Axis) Channels() motor.Channels {
	return motor.Channels{
		Position:     a.Position,
		State:        a.State,
		Stop:         channel.CommandFunc(a.name+".stop", a.stop),
		Velocity:     a.Velocity,
		Acceleration: a.Acceleration,
	}
}

func (a *Axis) moveTo(ctx context.Context, target float64) error {
	from, err := a.Position.Value(ctx)
	if err != nil {
		return err
	}
	velocity, _ := a.Velocity.Value(ctx)

	a.halt()

	if velocity <= 0 || math.IsInf(velocity, 1) {
		a.State.Update(stateMoving)
		a.Position.Update(target)
		a.State.Update(stateOn)
		return nil
	}

	a.logger.Debug("Simulated move", zap.Float64("from", from), zap.Float64("to", target))

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.State.Update(stateMoving)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.run(runCtx, from, target, velocity)
	}()
	return nil
}

func (a *Axis) run(ctx context.Context, pos, target, velocity float64) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	step := velocity * a.tick.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		remaining := target - pos
		if math.Abs(remaining) <= step {
			a.Position.Update(target)
			a.State.Update(stateOn)
			return
		}
		pos += math.Copysign(step, remaining)
		a.Position.Update(pos)
	}
}

// halt cancels a running motion and waits for its goroutine to exit.
func (a *Axis) halt() bool {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	a.wg.Wait()
	return true
}

func (a *Axis) stop(context.Context) error {
	if a.halt() {
		a.logger.Debug("Simulated stop")
	}
	a.State.Update(stateOn)
	return nil
}

// Fault forces the axis into a device state, e.g. "FAULT" or "DISABLE".
func (a *Axis) Fault(state string) {
	a.halt()
	a.State.Update(state)
}

func (a *Axis) Close() {
	a.halt()
}
