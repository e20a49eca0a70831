package system

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/devices"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const zoomTable = `zoom_levels:
  - name: "Zoom 1"
    position: 1
    calib_x: 2.5
    calib_y: 2.5
  - name: "Zoom 2"
    position: 2
    calib_x: 2.0
    calib_y: 1.98
`

func simProfile(calib types.CalibrationProfile, roles ...types.Role) *types.InstrumentProfile {
	if len(roles) == 0 {
		roles = types.AllRoles()
	}

	motors := make(map[types.Role]types.MotorProfile, len(roles))
	for _, role := range roles {
		motors[role] = types.MotorProfile{Device: "sim"}
	}

	return &types.InstrumentProfile{
		Instrument:   types.InstrumentInfo{ID: "bench"},
		Devices:      []types.DeviceConnection{{Name: "sim", Transport: types.TransportSim}},
		Motors:       motors,
		Supervisor:   &types.SupervisorProfile{Device: "sim"},
		StateChannel: &types.ChannelBinding{Device: "sim"},
		BeamInfo:     &types.BeamInfoProfile{Device: "sim"},
		Calibration:  calib,
		Centring:     types.CentringProfile{BeamCenterX: 640, BeamCenterY: 512},
	}
}

func instrumentOptions() InstrumentOptions {
	return InstrumentOptions{
		PollInterval:  5 * time.Millisecond,
		SimTick:       5 * time.Millisecond,
		SimTransition: 10 * time.Millisecond,
		PhaseTimeout:  2 * time.Second,
		MoveTimeout:   2 * time.Second,
	}
}

func build(t *testing.T, profile *types.InstrumentProfile, opts InstrumentOptions) (*Instrument, error) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	manager := devices.NewManager(logger)
	require.NoError(t, manager.LoadProfile(context.Background(), profile))

	inst, err := BuildInstrument(context.Background(), profile, manager, opts, logger)
	if inst != nil {
		t.Cleanup(inst.Close)
	}
	return inst, err
}

func TestBuildInstrument_Static(t *testing.T) {
	inst, err := build(t, simProfile(types.CalibrationProfile{Type: types.CalibrationStatic, X: 4, Y: 4}), instrumentOptions())
	require.NoError(t, err)

	assert.Len(t, inst.Motors, len(types.AllRoles()))
	require.NotNil(t, inst.Supervisor)
	require.NotNil(t, inst.PointSource)

	d := inst.Diffractometer
	x, y := d.PixelsPerMm()
	assert.InDelta(t, 250.0, x, 1e-9)
	assert.InDelta(t, 250.0, y, 1e-9)
	assert.Equal(t, "Ready", d.CurrentState())
	assert.Equal(t, supervisor.PhaseTransfer, d.CurrentPhase())

	info, err := d.BeamInfo(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, devices.SimBeamSizeX/1000, info.SizeX, 1e-12)
}

func TestBuildInstrument_AutoCentring(t *testing.T) {
	inst, err := build(t, simProfile(types.CalibrationProfile{Type: types.CalibrationStatic, X: 4, Y: 4}), instrumentOptions())
	require.NoError(t, err)

	_, ok := inst.Diffractometer.StartAutoCentring(context.Background(), inst.PointSource)
	require.True(t, ok)
	inst.Centring.Wait()

	result, ok := inst.Centring.LastResult()
	require.True(t, ok)
	assert.Len(t, result.Points, 3)

	x, y, err := inst.PointSource.Locate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 640.0, x, 1e-6)
	assert.InDelta(t, 512.0, y, 1e-6)
}

func TestBuildInstrument_StoredLimits(t *testing.T) {
	opts := instrumentOptions()
	opts.Limits = map[types.Role]storage.MotorLimits{
		types.RoleKappa: {Role: types.RoleKappa, Lower: -1, Upper: 100},
	}

	inst, err := build(t, simProfile(types.CalibrationProfile{Type: types.CalibrationStatic, X: 4, Y: 4}), opts)
	require.NoError(t, err)

	lower, upper := inst.Motors[types.RoleKappa].Limits()
	assert.Equal(t, -1.0, lower)
	assert.Equal(t, 100.0, upper)
}

func TestBuildInstrument_ZoomTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zoom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(zoomTable), 0o644))

	profile := simProfile(types.CalibrationProfile{Type: types.CalibrationZoomTable, TablePath: path})
	profile.Motors[types.RoleZoom] = types.MotorProfile{
		Device:              "sim",
		Sim:                 &types.SimAxisProfile{InitialPosition: 2},
		PredefinedPositions: map[string]float64{"Park": 0},
	}

	inst, err := build(t, profile, instrumentOptions())
	require.NoError(t, err)

	zoom := inst.Motors[types.RoleZoom]
	assert.ElementsMatch(t, []string{"Park", "Zoom 1", "Zoom 2"}, zoom.PredefinedPositions())
	assert.Equal(t, "Zoom 2", zoom.CurrentPredefinedPosition())

	x, y := inst.Diffractometer.PixelsPerMm()
	assert.InDelta(t, 1000/1.98, x, 1e-9)
	assert.InDelta(t, 1000/1.98, y, 1e-9)
}

func TestBuildInstrument_ConfigurationErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zoom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(zoomTable), 0o644))

	tests := []struct {
		name    string
		profile *types.InstrumentProfile
	}{
		{
			name:    "unknown calibration",
			profile: simProfile(types.CalibrationProfile{Type: "ruler"}),
		},
		{
			name: "zoom table without zoom axis",
			profile: simProfile(types.CalibrationProfile{Type: types.CalibrationZoomTable, TablePath: path},
				types.RolePhi, types.RolePhiY, types.RolePhiZ, types.RoleSampX, types.RoleSampY),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := build(t, tt.profile, instrumentOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

type memoryLimits struct {
	mu     sync.Mutex
	loaded map[types.Role]storage.MotorLimits
	saved  map[types.Role][2]float64
}

func (m *memoryLimits) LoadMotorLimits(context.Context) (map[types.Role]storage.MotorLimits, error) {
	return m.loaded, nil
}

func (m *memoryLimits) SaveMotorLimits(_ context.Context, role types.Role, lower, upper float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[types.Role][2]float64)
	}
	m.saved[role] = [2]float64{lower, upper}
	return nil
}

func (m *memoryLimits) get(role types.Role) ([2]float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.saved[role]
	return v, ok
}

func testConfig(profile string) *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{Enabled: false},
		Instrument: config.InstrumentConfig{
			Profile:     profile,
			SearchPaths: []string{"../../configs/instruments"},
		},
		Motion: config.MotionConfig{
			PollInterval:       10 * time.Millisecond,
			DefaultMoveTimeout: 5 * time.Second,
			PhaseTimeout:       2 * time.Second,
			SimTransition:      10 * time.Millisecond,
		},
	}
}

func TestLifecycle_StartAndShutdown(t *testing.T) {
	store := &memoryLimits{
		loaded: map[types.Role]storage.MotorLimits{
			types.RoleKappa: {Role: types.RoleKappa, Lower: 0, Upper: 200},
		},
	}
	lm := NewLifecycleManager(store, nil, testConfig("minidiff-sim"), zaptest.NewLogger(t))
	require.NoError(t, lm.Start(context.Background()))

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "minidiff-sim", status.Instrument)
	assert.Equal(t, "Transfer", status.Phase)
	assert.Equal(t, "Ready", status.MinidiffState)
	assert.Zero(t, status.DeviceCount)

	require.NotNil(t, lm.PointSource())
	require.NotNil(t, lm.Events())
	assert.Len(t, lm.Events().Buses(), 3)

	kappa, ok := lm.Diffractometer().Motor(types.RoleKappa)
	require.True(t, ok)
	lower, upper := kappa.Limits()
	assert.Equal(t, 0.0, lower)
	assert.Equal(t, 200.0, upper)

	phi, ok := lm.Diffractometer().Motor(types.RolePhi)
	require.True(t, ok)
	require.NoError(t, phi.SetLimits(-90, 90))
	assert.Eventually(t, func() bool {
		v, ok := store.get(types.RolePhi)
		return ok && v == [2]float64{-90, 90}
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)
	require.NoError(t, lm.Shutdown(ctx))
}

func TestLifecycle_MissingProfile(t *testing.T) {
	lm := NewLifecycleManager(nil, nil, testConfig("does-not-exist"), zaptest.NewLogger(t))

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ERROR", lm.GetCurrentStatus().State)
	assert.Nil(t, lm.Diffractometer())

	require.NoError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateRunning, StateInitializing))
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
}
