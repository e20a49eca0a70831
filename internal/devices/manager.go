package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/MiniDiffCore/internal/modbus"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the Modbus devices of an instrument and their pollers.
type Manager struct {
	composer *Composer
	devices  map[uuid.UUID]*modbus.Device
	groups   map[uuid.UUID][]types.RegisterGroup
	pollers  map[uuid.UUID][]*modbus.Poller
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		composer: NewComposer(logger),
		devices:  make(map[uuid.UUID]*modbus.Device),
		groups:   make(map[uuid.UUID][]types.RegisterGroup),
		pollers:  make(map[uuid.UUID][]*modbus.Poller),
		logger:   logger,
	}
}

// LoadProfile composes and creates every Modbus device of the profile. A
// device that cannot be reached yet is kept; reads reconnect lazily.
func (m *Manager) LoadProfile(ctx context.Context, profile *types.InstrumentProfile) error {
	defs, err := m.composer.Compose(profile)
	if err != nil {
		return fmt.Errorf("failed to compose devices: %w", err)
	}

	for _, def := range defs {
		if _, exists := m.GetDeviceByName(def.Name); exists {
			return fmt.Errorf("device already loaded: %s", def.Name)
		}

		device, err := modbus.NewDevice(def)
		if err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}

		if err := device.Connect(ctx); err != nil {
			m.logger.Warn("Device not reachable, will retry on first read",
				zap.String("name", def.Name),
				zap.String("address", device.Client.Address()),
				zap.Error(err))
		}

		m.mu.Lock()
		m.devices[device.ID] = device
		m.groups[device.ID] = def.Groups
		m.mu.Unlock()

		m.logger.Info("Device loaded",
			zap.String("name", def.Name),
			zap.String("address", device.Client.Address()),
			zap.Int("registers", len(def.Registers)))
	}

	return nil
}

// StartPollers starts one poller per register group of every device.
func (m *Manager) StartPollers() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, device := range m.devices {
		if len(m.pollers[id]) > 0 {
			continue
		}
		for _, group := range m.groups[id] {
			poller := modbus.NewPoller(device, group, m.logger)
			if err := poller.Start(); err != nil {
				return fmt.Errorf("failed to start poller %s/%s: %w", device.Name, group.Name, err)
			}
			m.pollers[id] = append(m.pollers[id], poller)
		}
	}

	return nil
}

// GetDeviceByName returns device by name
func (m *Manager) GetDeviceByName(name string) (*modbus.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, device := range m.devices {
		if device.Name == name {
			return device, true
		}
	}

	return nil, false
}

// StopAll stops all pollers and disconnects all devices
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, pollers := range m.pollers {
		for _, poller := range pollers {
			poller.Stop()
		}
		delete(m.pollers, id)
	}

	for _, device := range m.devices {
		if err := device.Disconnect(); err != nil {
			m.logger.Error("Failed to disconnect device",
				zap.String("device", device.Name),
				zap.Error(err))
		}
	}

	return nil
}

// ListDevices returns all devices
func (m *Manager) ListDevices() []*modbus.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*modbus.Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}

	return devices
}
