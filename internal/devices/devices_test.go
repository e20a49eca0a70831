package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const simProfile = `{
  "instrument": { "id": "bench" },
  "devices": [ { "name": "sim", "transport": "sim" } ],
  "motors": {
    "phi":   { "device": "sim", "motor_name": "Omega", "threshold": 0.01 },
    "kappa": { "device": "sim", "limits": { "lower": -5, "upper": 240 } },
    "zoom":  { "device": "sim", "interval": 250, "predefined_positions": { "Zoom 1": 1 } }
  },
  "supervisor": { "device": "sim", "initial_phase": "Collect" },
  "state_channel": { "device": "sim" },
  "beam_info": { "device": "sim" },
  "calibration": { "type": "zoom_table", "table_path": "zoom.yaml" },
  "omega_reference": { "position": 0.5 }
}`

const modbusProfile = `{
  "instrument": { "id": "rack" },
  "devices": [
    { "name": "mdc", "transport": "modbus", "ip_address": "127.0.0.1", "port": 1, "unit_id": 1, "timeout_ms": 50 }
  ],
  "motors": {
    "phi":  { "device": "mdc", "base_address": 0 },
    "zoom": { "device": "mdc", "base_address": 8, "interval": 500 }
  },
  "supervisor": { "device": "mdc", "base_address": 100 },
  "state_channel": { "device": "mdc", "address": 110 },
  "beam_info": { "device": "mdc", "x_address": 120, "y_address": 122 },
  "calibration": { "type": "static", "x": 2, "y": 2 }
}`

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644))
}

func TestProfileLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bench", simProfile)

	loader, err := NewProfileLoader([]string{t.TempDir(), dir})
	require.NoError(t, err)

	profile, err := loader.Load("bench")
	require.NoError(t, err)

	assert.Equal(t, "bench", profile.Instrument.ID)
	assert.Len(t, profile.Motors, 3)
	assert.Equal(t, filepath.Join(dir, "zoom.yaml"), profile.Calibration.TablePath)
	assert.Zero(t, profile.Motors[types.RolePhi].Interval.Period)
	assert.Equal(t, 250*time.Millisecond, profile.Motors[types.RoleZoom].Interval.Period)
	require.NotNil(t, profile.OmegaReference)
	assert.Equal(t, 0.5, profile.OmegaReference.Position)

	again, err := loader.Load("bench.json")
	require.NoError(t, err)
	assert.Equal(t, profile.Instrument, again.Instrument)

	cached, err := loader.Load("bench")
	require.NoError(t, err)
	assert.Same(t, profile, cached)
}

func TestProfileLoader_NotFound(t *testing.T) {
	loader, err := NewProfileLoader([]string{t.TempDir()})
	require.NoError(t, err)

	_, err = loader.Load("missing")
	assert.ErrorContains(t, err, "profile not found")
}

func TestProfileLoader_RejectsInvalidProfiles(t *testing.T) {
	cases := map[string]string{
		"unknown role": `{
			"instrument": { "id": "x" },
			"devices": [ { "name": "sim", "transport": "sim" } ],
			"motors": { "omega": { "device": "sim" } },
			"calibration": { "type": "static", "x": 1, "y": 1 }
		}`,
		"modbus without address": `{
			"instrument": { "id": "x" },
			"devices": [ { "name": "mdc", "transport": "modbus" } ],
			"motors": {},
			"calibration": { "type": "static", "x": 1, "y": 1 }
		}`,
		"zoom table without path": `{
			"instrument": { "id": "x" },
			"devices": [ { "name": "sim", "transport": "sim" } ],
			"motors": {},
			"calibration": { "type": "zoom_table" }
		}`,
		"bad interval": `{
			"instrument": { "id": "x" },
			"devices": [ { "name": "sim", "transport": "sim" } ],
			"motors": { "phi": { "device": "sim", "interval": "sometimes" } },
			"calibration": { "type": "static", "x": 1, "y": 1 }
		}`,
		"unknown device": `{
			"instrument": { "id": "x" },
			"devices": [ { "name": "sim", "transport": "sim" } ],
			"motors": { "phi": { "device": "rack" } },
			"calibration": { "type": "static", "x": 1, "y": 1 }
		}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeProfile(t, dir, "p", body)

			loader, err := NewProfileLoader([]string{dir})
			require.NoError(t, err)

			_, err = loader.Load("p")
			assert.Error(t, err)
		})
	}
}

func TestValidator_RoundTripsLoadedProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "rack", modbusProfile)

	loader, err := NewProfileLoader([]string{dir})
	require.NoError(t, err)
	profile, err := loader.Load("rack")
	require.NoError(t, err)

	v, err := NewValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateInstrumentProfile(profile))
}

func loadModbusProfile(t *testing.T) *types.InstrumentProfile {
	t.Helper()
	dir := t.TempDir()
	writeProfile(t, dir, "rack", modbusProfile)

	loader, err := NewProfileLoader([]string{dir})
	require.NoError(t, err)
	profile, err := loader.Load("rack")
	require.NoError(t, err)
	return profile
}

func TestComposer_RegisterLayout(t *testing.T) {
	profile := loadModbusProfile(t)

	defs, err := NewComposer(zaptest.NewLogger(t)).Compose(profile)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]

	addresses := make(map[string]uint16)
	for _, reg := range def.Registers {
		addresses[reg.Name] = reg.Address
	}
	assert.Equal(t, map[string]uint16{
		"phi.position":       0,
		"phi.state":          2,
		"phi.stop":           3,
		"phi.velocity":       4,
		"phi.acceleration":   6,
		"zoom.position":      8,
		"zoom.state":         10,
		"zoom.stop":          11,
		"zoom.velocity":      12,
		"zoom.acceleration":  14,
		"supervisor.phase":   100,
		"supervisor.state":   101,
		"supervisor.command": 102,
		"state":              110,
		"beam.x":             120,
		"beam.y":             122,
	}, addresses)

	groups := make(map[string]types.RegisterGroup)
	for _, g := range def.Groups {
		groups[g.Name] = g
	}
	assert.Equal(t, types.RegisterGroup{
		Name:           "phi",
		PollIntervalMs: DefaultPollIntervalMs,
		OnChange:       true,
		Registers:      []string{"phi.position", "phi.state"},
	}, groups["phi"])
	assert.Equal(t, 500, groups["zoom"].PollIntervalMs)
	assert.False(t, groups["zoom"].OnChange)
	assert.Contains(t, groups, "supervisor")
	assert.Contains(t, groups, "state")
}

func TestComposer_RejectsOverlappingRegisters(t *testing.T) {
	profile := loadModbusProfile(t)
	zoom := profile.Motors[types.RoleZoom]
	zoom.BaseAddress = 4
	profile.Motors[types.RoleZoom] = zoom

	_, err := NewComposer(zaptest.NewLogger(t)).Compose(profile)
	assert.ErrorContains(t, err, "overlaps")
}

func TestManager_BindModbus(t *testing.T) {
	logger := zaptest.NewLogger(t)
	profile := loadModbusProfile(t)

	m := NewManager(logger)
	require.NoError(t, m.LoadProfile(context.Background(), profile))
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })

	_, ok := m.GetDeviceByName("mdc")
	require.True(t, ok)
	assert.Len(t, m.ListDevices(), 1)
	assert.Error(t, m.LoadProfile(context.Background(), profile))

	b, err := m.Bind(profile, BindOptions{PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.Contains(t, b.Axes, types.RolePhi)
	phi := b.Axes[types.RolePhi]
	assert.Equal(t, "phi", phi.Config.Name)
	assert.Equal(t, motor.DefaultChangeThreshold, phi.Config.ChangeThreshold)
	assert.Equal(t, 50*time.Millisecond, phi.Config.PollInterval)
	assert.Equal(t, "phi.position", phi.Channels.Position.Name())
	assert.NotNil(t, phi.Channels.Stop)

	assert.Equal(t, 500*time.Millisecond, b.Axes[types.RoleZoom].Config.PollInterval)

	require.NotNil(t, b.Supervisor)
	assert.Len(t, b.Supervisor.Commands, 4)
	assert.Contains(t, b.Supervisor.Commands, supervisor.PhaseSample)
	assert.NotNil(t, b.State)
	assert.NotNil(t, b.BeamX)
	assert.Empty(t, b.Sim)
}

func TestManager_BindSim(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	writeProfile(t, dir, "bench", simProfile)
	loader, err := NewProfileLoader([]string{dir})
	require.NoError(t, err)
	profile, err := loader.Load("bench")
	require.NoError(t, err)

	m := NewManager(logger)
	require.NoError(t, m.LoadProfile(context.Background(), profile))
	assert.Empty(t, m.ListDevices())

	b, err := m.Bind(profile, BindOptions{})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	assert.Len(t, b.Sim, 3)
	phi := b.Axes[types.RolePhi]
	assert.Equal(t, "Omega", phi.Config.Name)
	assert.Equal(t, 0.01, phi.Config.ChangeThreshold)
	assert.Equal(t, motor.DefaultPollInterval, phi.Config.PollInterval)

	kappa := b.Axes[types.RoleKappa]
	require.NotNil(t, kappa.Config.LowerLimit)
	assert.Equal(t, -5.0, *kappa.Config.LowerLimit)
	assert.Equal(t, 240.0, *kappa.Config.UpperLimit)

	m1, err := motor.New(phi.Config, phi.Channels, logger)
	require.NoError(t, err)
	require.NoError(t, m1.SyncMove(context.Background(), 45, time.Second))
	assert.Equal(t, 45.0, m1.CachedPosition())

	require.NotNil(t, b.Supervisor)
	phase, err := b.Supervisor.Phase.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Collect", phase)

	x, err := b.BeamX.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SimBeamSizeX, x)
}
