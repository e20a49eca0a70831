package devices

import (
	"fmt"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/modbus"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/sim"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// Simulated beam size in micrometres.
const (
	SimBeamSizeX = 100.0
	SimBeamSizeY = 50.0
)

// stopCode is written to a motor's stop register.
const stopCode = 1

type AxisBinding struct {
	Config   motor.Config
	Channels motor.Channels
}

// Bindings are the channels of one instrument, resolved from its profile.
// Nil members were not configured.
type Bindings struct {
	Axes       map[types.Role]AxisBinding
	Supervisor *supervisor.Channels
	State      channel.Channel[string]
	BeamX      channel.Channel[float64]
	BeamY      channel.Channel[float64]

	// Sim holds the simulated axes by role, for bench control.
	Sim map[types.Role]*sim.Axis

	closers []func()
}

func (b *Bindings) Close() {
	for _, fn := range b.closers {
		fn()
	}
	b.closers = nil
}

type BindOptions struct {
	// PollInterval applies to motors whose interval is "events".
	PollInterval  time.Duration
	SimTick       time.Duration
	SimTransition time.Duration
}

// Bind resolves every binding of profile to channels, on the Modbus devices
// loaded by LoadProfile or on simulated hardware.
func (m *Manager) Bind(profile *types.InstrumentProfile, opts BindOptions) (*Bindings, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = motor.DefaultPollInterval
	}

	b := &Bindings{
		Axes: make(map[types.Role]AxisBinding),
		Sim:  make(map[types.Role]*sim.Axis),
	}

	for _, role := range types.AllRoles() {
		mp, ok := profile.Motors[role]
		if !ok {
			continue
		}

		transport, device, err := m.resolve(profile, mp.Device)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("motor %s: %w", role, err)
		}

		cfg := motorConfig(role, mp, opts.PollInterval)

		var ch motor.Channels
		switch transport {
		case types.TransportSim:
			params := types.SimAxisProfile{}
			if mp.Sim != nil {
				params = *mp.Sim
			}
			axis := sim.NewAxis(cfg.Name, params, opts.SimTick, m.logger)
			b.Sim[role] = axis
			b.closers = append(b.closers, axis.Close)
			ch = axis.Channels()
		default:
			ch = motor.Channels{
				Position:     modbus.NewFloatChannel(cfg.Name+".position", device, MotorRegister(role, "position"), ""),
				State:        modbus.NewStateChannel(cfg.Name+".state", device, MotorRegister(role, "state")),
				Stop:         modbus.NewCommandRegister(cfg.Name+".stop", device, MotorRegister(role, "stop"), stopCode),
				Velocity:     modbus.NewFloatChannel(cfg.Name+".velocity", device, MotorRegister(role, "velocity"), ""),
				Acceleration: modbus.NewFloatChannel(cfg.Name+".acceleration", device, MotorRegister(role, "acceleration"), ""),
			}
		}

		b.Axes[role] = AxisBinding{Config: cfg, Channels: ch}
		m.logger.Debug("Axis bound",
			zap.String("role", string(role)),
			zap.String("motor", cfg.Name),
			zap.String("transport", transport))
	}

	if sp := profile.Supervisor; sp != nil {
		transport, device, err := m.resolve(profile, sp.Device)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("supervisor: %w", err)
		}

		switch transport {
		case types.TransportSim:
			initial := supervisor.PhaseTransfer
			if sp.InitialPhase != "" {
				initial = supervisor.ParsePhase(sp.InitialPhase)
			}
			s := sim.NewSupervisor(initial, opts.SimTransition, m.logger)
			b.closers = append(b.closers, s.Close)
			ch := s.Channels()
			b.Supervisor = &ch
		default:
			commands := make(map[supervisor.Phase]channel.Command)
			for code, token := range supervisor.PhaseCodes {
				phase := supervisor.Phase(token)
				switch phase {
				case supervisor.PhaseUnknown, supervisor.PhaseMoving:
					continue
				}
				commands[phase] = modbus.NewCommandRegister("go"+token, device, SupervisorRegister("command"), code)
			}
			b.Supervisor = &supervisor.Channels{
				Phase:    modbus.NewCodeChannel("supervisor.phase", device, SupervisorRegister("phase"), supervisor.PhaseCodes),
				State:    modbus.NewStateChannel("supervisor.state", device, SupervisorRegister("state")),
				Commands: commands,
			}
		}
	}

	if sc := profile.StateChannel; sc != nil {
		transport, device, err := m.resolve(profile, sc.Device)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("state channel: %w", err)
		}
		if transport == types.TransportSim {
			b.State = channel.NewMemoryWith(StateRegister, "ON")
		} else {
			b.State = modbus.NewStateChannel(StateRegister, device, StateRegister)
		}
	}

	if bi := profile.BeamInfo; bi != nil {
		transport, device, err := m.resolve(profile, bi.Device)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("beam info: %w", err)
		}
		if transport == types.TransportSim {
			b.BeamX = channel.NewMemoryWith(BeamXRegister, SimBeamSizeX)
			b.BeamY = channel.NewMemoryWith(BeamYRegister, SimBeamSizeY)
		} else {
			b.BeamX = modbus.NewFloatChannel(BeamXRegister, device, BeamXRegister, "")
			b.BeamY = modbus.NewFloatChannel(BeamYRegister, device, BeamYRegister, "")
		}
	}

	return b, nil
}

func (m *Manager) resolve(profile *types.InstrumentProfile, name string) (string, *modbus.Device, error) {
	conn, ok := profile.Device(name)
	if !ok {
		return "", nil, fmt.Errorf("unknown device %q", name)
	}
	if conn.Transport == types.TransportSim {
		return types.TransportSim, nil, nil
	}

	device, ok := m.GetDeviceByName(name)
	if !ok {
		return "", nil, fmt.Errorf("device %q not loaded", name)
	}
	return conn.Transport, device, nil
}

func motorConfig(role types.Role, mp types.MotorProfile, pollInterval time.Duration) motor.Config {
	cfg := motor.Config{
		Name:                mp.MotorName,
		ChangeThreshold:     motor.DefaultChangeThreshold,
		MoveThreshold:       motor.DefaultMoveThreshold,
		PollInterval:        mp.Interval.Resolve(pollInterval),
		PredefinedPositions: mp.PredefinedPositions,
	}
	if cfg.Name == "" {
		cfg.Name = string(role)
	}
	if mp.Threshold != nil {
		cfg.ChangeThreshold = *mp.Threshold
	}
	if mp.MoveThreshold != nil {
		cfg.MoveThreshold = *mp.MoveThreshold
	}
	if mp.Limits != nil {
		cfg.LowerLimit = mp.Limits.Lower
		cfg.UpperLimit = mp.Limits.Upper
	}
	return cfg
}
