package sim

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAxis_InstantMove(t *testing.T) {
	a := NewAxis("phi", types.SimAxisProfile{}, 0, zaptest.NewLogger(t))
	t.Cleanup(a.Close)

	var states []string
	a.State.Subscribe(func(s string) { states = append(states, s) })

	require.NoError(t, a.Position.SetValue(context.Background(), 12.5))

	pos, err := a.Position.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, pos)
	assert.Equal(t, []string{"MOVING", "ON"}, states)
}

func TestAxis_MovesAtVelocity(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := NewAxis("sampx", types.SimAxisProfile{Velocity: 10}, 5*time.Millisecond, logger)
	t.Cleanup(a.Close)

	m, err := motor.New(motor.Config{Name: "sampx", PollInterval: 5 * time.Millisecond}, a.Channels(), logger)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, m.SyncMove(context.Background(), 0.5, 2*time.Second))
	assert.Equal(t, 0.5, m.CachedPosition())
	assert.Equal(t, motor.StateReady, m.State())
}

func TestAxis_Stop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := NewAxis("phiz", types.SimAxisProfile{Velocity: 1}, 5*time.Millisecond, logger)
	t.Cleanup(a.Close)

	m, err := motor.New(motor.Config{Name: "phiz"}, a.Channels(), logger)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, m.Move(context.Background(), 100))
	assert.Equal(t, motor.StateMoving, m.State())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, motor.StateReady, m.State())
	assert.Less(t, m.CachedPosition(), 100.0)
}

func TestAxis_Fault(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := NewAxis("kappa", types.SimAxisProfile{}, 0, logger)
	m, err := motor.New(motor.Config{Name: "kappa"}, a.Channels(), logger)
	require.NoError(t, err)

	a.Fault("DISABLE")
	assert.Equal(t, motor.StateDisabled, m.State())
	assert.False(t, m.IsReady())
}

func TestSupervisor_Transition(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := NewSupervisor(supervisor.PhaseTransfer, 20*time.Millisecond, logger)
	t.Cleanup(s.Close)

	dev, err := supervisor.NewDevice(s.Channels(), logger)
	require.NoError(t, err)
	t.Cleanup(dev.Close)

	require.NoError(t, dev.GoSampleView(context.Background()))

	state, err := dev.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MOVING", state)

	assert.Eventually(t, func() bool {
		phase, err := dev.CurrentPhase(context.Background())
		return err == nil && phase == supervisor.PhaseSample
	}, time.Second, 5*time.Millisecond)

	state, err = dev.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ON", state)
}

func TestSupervisor_NewRequestSupersedes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := NewSupervisor("", 30*time.Millisecond, logger)
	t.Cleanup(s.Close)

	cmds := s.Channels().Commands
	require.NoError(t, cmds[supervisor.PhaseCollect].Execute(context.Background()))
	require.NoError(t, cmds[supervisor.PhaseBeamView].Execute(context.Background()))

	assert.Eventually(t, func() bool {
		v, _ := s.Phase.Value(context.Background())
		return v == string(supervisor.PhaseBeamView)
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	v, _ := s.Phase.Value(context.Background())
	assert.Equal(t, string(supervisor.PhaseBeamView), v)
}

type fixedAxis struct{ pos float64 }

func (a *fixedAxis) CachedPosition() float64 { return a.pos }

type fixedOptics struct{ ppm float64 }

func (o fixedOptics) PixelsPerMm() (float64, float64) { return o.ppm, o.ppm }

func TestSample_CorrectionCentresCrystal(t *testing.T) {
	axes := map[types.Role]*fixedAxis{
		types.RolePhi:   {},
		types.RolePhiY:  {},
		types.RolePhiZ:  {pos: 0.3},
		types.RoleSampX: {},
		types.RoleSampY: {},
	}
	offset := SampleOffset{PhiY: 0.05, PhiZ: 0.1, SampX: 0.12, SampY: -0.08}
	s, err := NewSample(offset, axes, fixedOptics{ppm: 200}, 640, 512)
	require.NoError(t, err)

	var points []centring.Point
	for _, phi := range []float64{0, 90, 180} {
		axes[types.RolePhi].pos = phi
		x, y, err := s.Locate(context.Background())
		require.NoError(t, err)
		points = append(points, centring.Point{Phi: phi, X: x, Y: y})
	}

	corr, err := centring.Fit(points, 200, 200, 640, 512)
	require.NoError(t, err)
	axes[types.RoleSampX].pos -= corr.B
	axes[types.RoleSampY].pos += corr.A
	axes[types.RolePhiY].pos -= corr.DX
	axes[types.RolePhiZ].pos -= corr.C

	for _, phi := range []float64{0, 45, 270} {
		axes[types.RolePhi].pos = phi
		x, y, err := s.Locate(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 640, x, 1e-6)
		assert.InDelta(t, 512, y, 1e-6)
	}
}

func TestSample_RequiresCentringAxes(t *testing.T) {
	_, err := NewSample(DefaultSampleOffset, map[types.Role]*fixedAxis{types.RolePhi: {}}, fixedOptics{ppm: 1}, 0, 0)
	assert.Error(t, err)
}
