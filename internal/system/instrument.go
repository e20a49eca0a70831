package system

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/calibration"
	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/devices"
	"github.com/KevinKickass/MiniDiffCore/internal/diffractometer"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/sim"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// Instrument is one diffractometer assembled from its profile.
type Instrument struct {
	Profile        *types.InstrumentProfile
	Bindings       *devices.Bindings
	Motors         map[types.Role]*motor.Motor
	Supervisor     *supervisor.Device
	Diffractometer *diffractometer.Diffractometer
	Centring       *centring.Engine
	// PointSource is set for simulated instruments only.
	PointSource centring.PointSource
}

type InstrumentOptions struct {
	PollInterval  time.Duration
	SimTick       time.Duration
	SimTransition time.Duration
	PhaseTimeout  time.Duration
	MoveTimeout   time.Duration
	// Limits override the profile limits of their axes.
	Limits map[types.Role]storage.MotorLimits
}

// zoomAxis lets the zoom table be built before the zoom motor it follows.
type zoomAxis struct {
	motor *motor.Motor
}

func (z *zoomAxis) CachedPosition() float64 {
	if z.motor == nil {
		return 0
	}
	return z.motor.CachedPosition()
}

// BuildInstrument binds the profile on manager and wires the motors, the
// supervisor, the calibration, the diffractometer and the centring engine.
func BuildInstrument(ctx context.Context, profile *types.InstrumentProfile, manager *devices.Manager, opts InstrumentOptions, logger *zap.Logger) (*Instrument, error) {
	bindings, err := manager.Bind(profile, devices.BindOptions{
		PollInterval:  opts.PollInterval,
		SimTick:       opts.SimTick,
		SimTransition: opts.SimTransition,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind instrument: %w", err)
	}

	inst := &Instrument{
		Profile:  profile,
		Bindings: bindings,
		Motors:   make(map[types.Role]*motor.Motor),
	}

	source, zoom, err := buildCalibration(profile.Calibration, bindings)
	if err != nil {
		inst.Close()
		return nil, err
	}

	for role, ab := range bindings.Axes {
		cfg := ab.Config
		if stored, ok := opts.Limits[role]; ok {
			lower, upper := stored.Lower, stored.Upper
			cfg.LowerLimit, cfg.UpperLimit = &lower, &upper
			logger.Info("Using stored limits",
				zap.String("role", string(role)),
				zap.Float64("lower", lower),
				zap.Float64("upper", upper))
		}

		m, err := motor.New(cfg, ab.Channels, logger)
		if err != nil {
			inst.Close()
			return nil, fmt.Errorf("motor %s: %w", role, err)
		}
		inst.Motors[role] = m

		if err := m.Refresh(ctx); err != nil {
			logger.Warn("Initial motor read failed",
				zap.String("motor", cfg.Name),
				zap.Error(err))
		}
	}

	if zoom != nil {
		zoom.motor = inst.Motors[types.RoleZoom]
		if zoom.motor == nil {
			inst.Close()
			return nil, &types.ConfigurationError{Component: "calibration", Role: types.RoleZoom, Reason: "zoom table needs a zoom axis"}
		}
	}

	deps := diffractometer.Deps{
		Motors:       inst.Motors,
		Calibration:  source,
		StateChannel: bindings.State,
		BeamX:        bindings.BeamX,
		BeamY:        bindings.BeamY,
	}
	if bindings.Supervisor != nil {
		sup, err := supervisor.NewDevice(*bindings.Supervisor, logger)
		if err != nil {
			inst.Close()
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		inst.Supervisor = sup
		deps.Supervisor = sup
	}

	pixelSize, err := calibration.PixelSizeFor(profile.PixelSizeMode)
	if err != nil {
		inst.Close()
		return nil, err
	}

	d := diffractometer.New(diffractometer.Config{
		PollInterval:   opts.PollInterval,
		PhaseTimeout:   opts.PhaseTimeout,
		MoveTimeout:    opts.MoveTimeout,
		PixelSize:      pixelSize,
		OmegaReference: profile.OmegaReference,
	}, deps, logger)
	d.Init(ctx)
	inst.Diffractometer = d

	axes := make(map[types.Role]centring.Axis, len(inst.Motors))
	for role, m := range inst.Motors {
		axes[role] = m
	}
	cp := profile.Centring
	inst.Centring = centring.NewEngine(centring.Config{
		Clicks:       cp.Clicks,
		RotationStep: cp.RotationStep,
		BeamCenterX:  cp.BeamCenterX,
		BeamCenterY:  cp.BeamCenterY,
		MoveTimeout:  opts.MoveTimeout,
	}, axes, d, logger)
	d.SetCentring(inst.Centring)

	if _, simulated := bindings.Sim[types.RolePhi]; simulated {
		sample, err := sim.NewSample(sim.DefaultSampleOffset, inst.Motors, d, cp.BeamCenterX, cp.BeamCenterY)
		if err != nil {
			logger.Warn("Automatic centring unavailable", zap.Error(err))
		} else {
			inst.PointSource = sample
		}
	}

	return inst, nil
}

// buildCalibration returns the zoom axis to attach when the source is a
// zoom table. Zoom levels become predefined positions of the zoom motor;
// positions named in the profile win.
func buildCalibration(cp types.CalibrationProfile, bindings *devices.Bindings) (calibration.Source, *zoomAxis, error) {
	switch cp.Type {
	case types.CalibrationStatic:
		return calibration.Static{X: cp.X, Y: cp.Y}, nil, nil

	case types.CalibrationZoomTable:
		entries, err := calibration.LoadZoomTable(cp.TablePath)
		if err != nil {
			return nil, nil, err
		}

		zoom := &zoomAxis{}
		table, err := calibration.NewZoomTable(entries, zoom)
		if err != nil {
			return nil, nil, err
		}

		if ab, ok := bindings.Axes[types.RoleZoom]; ok {
			merged := table.PredefinedPositions()
			for name, pos := range ab.Config.PredefinedPositions {
				merged[name] = pos
			}
			ab.Config.PredefinedPositions = merged
			bindings.Axes[types.RoleZoom] = ab
		}
		return table, zoom, nil

	default:
		return nil, nil, &types.ConfigurationError{Component: "calibration", Reason: fmt.Sprintf("unknown calibration type %q", cp.Type)}
	}
}

// Close releases the instrument's subscriptions and simulated hardware.
// Running centring moves are awaited first.
func (i *Instrument) Close() {
	if i.Centring != nil {
		if i.Centring.Active() {
			i.Centring.Invalidate()
		}
		i.Centring.Wait()
	}
	if i.Diffractometer != nil {
		i.Diffractometer.Close()
	}
	if i.Supervisor != nil {
		i.Supervisor.Close()
	}
	for _, m := range i.Motors {
		m.Close()
	}
	if i.Bindings != nil {
		i.Bindings.Close()
	}
}
