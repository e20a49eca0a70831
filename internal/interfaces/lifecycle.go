package interfaces

import (
	"context"

	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/devices"
	"github.com/KevinKickass/MiniDiffCore/internal/diffractometer"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	Instrument       string `json:"instrument"`
	Phase            string `json:"phase"`
	MinidiffState    string `json:"minidiff_state"`
	CentringActive   bool   `json:"centring_active"`
	DeviceCount      int    `json:"device_count"`
	ConnectedDevices int    `json:"connected_devices"`
	Timestamp        int64  `json:"timestamp"`
}

type LifecycleManager interface {
	Config() *config.Config
	Profile() *types.InstrumentProfile
	DeviceManager() *devices.Manager
	Diffractometer() *diffractometer.Diffractometer
	Centring() *centring.Engine
	// PointSource locates the sample for automatic centring; nil when the
	// instrument has none.
	PointSource() centring.PointSource
	Events() *events.Mux
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
