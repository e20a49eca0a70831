package devices

import (
	"fmt"
	"sort"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// Register offsets from a motor's base address.
const (
	motorPositionOffset     = 0
	motorStateOffset        = 2
	motorStopOffset         = 3
	motorVelocityOffset     = 4
	motorAccelerationOffset = 6
)

// Register offsets from the supervisor's base address.
const (
	supervisorPhaseOffset   = 0
	supervisorStateOffset   = 1
	supervisorCommandOffset = 2
)

const (
	DefaultPollIntervalMs = 100
	DefaultTimeoutMs      = 1000

	SupervisorPrefix = "supervisor"
	StateRegister    = "state"
	BeamXRegister    = "beam.x"
	BeamYRegister    = "beam.y"
)

// MotorRegister names the register of one motor field, e.g. "phi.position".
func MotorRegister(role types.Role, field string) string {
	return fmt.Sprintf("%s.%s", role, field)
}

func SupervisorRegister(field string) string {
	return fmt.Sprintf("%s.%s", SupervisorPrefix, field)
}

type Composer struct {
	logger *zap.Logger
}

func NewComposer(logger *zap.Logger) *Composer {
	return &Composer{logger: logger}
}

// Compose builds one device definition per modbus device of the profile,
// holding the registers and poll groups of every binding placed on it.
func (c *Composer) Compose(profile *types.InstrumentProfile) ([]types.DeviceDefinition, error) {
	defs := make(map[string]*types.DeviceDefinition)
	order := make([]string, 0, len(profile.Devices))

	for _, conn := range profile.Devices {
		if conn.Transport != types.TransportModbus {
			continue
		}
		def := &types.DeviceDefinition{
			Name: conn.Name,
			Connection: types.ConnectionConfig{
				Protocol:       "modbus_tcp",
				IPAddress:      conn.IPAddress,
				Port:           conn.Port,
				UnitID:         conn.UnitID,
				PollIntervalMs: conn.PollIntervalMs,
				TimeoutMs:      conn.TimeoutMs,
			},
		}
		if def.Connection.PollIntervalMs <= 0 {
			def.Connection.PollIntervalMs = DefaultPollIntervalMs
		}
		if def.Connection.TimeoutMs <= 0 {
			def.Connection.TimeoutMs = DefaultTimeoutMs
		}
		defs[conn.Name] = def
		order = append(order, conn.Name)
	}

	for _, role := range types.AllRoles() {
		mp, ok := profile.Motors[role]
		if !ok {
			continue
		}
		def, ok := defs[mp.Device]
		if !ok {
			continue
		}
		c.addMotor(def, role, mp)
	}

	if sp := profile.Supervisor; sp != nil {
		if def, ok := defs[sp.Device]; ok {
			c.addSupervisor(def, sp)
		}
	}

	if sc := profile.StateChannel; sc != nil {
		if def, ok := defs[sc.Device]; ok {
			def.Registers = append(def.Registers, types.RegisterDefinition{
				Name:        StateRegister,
				Address:     sc.Address,
				Type:        types.RegisterTypeHoldingRegister,
				DataType:    types.DataTypeUint16,
				ScaleFactor: 1.0,
				Access:      types.AccessTypeReadOnly,
				Description: "Instrument state",
			})
			def.Groups = append(def.Groups, group(StateRegister, sc.Interval, def.Connection.PollIntervalMs, StateRegister))
		}
	}

	if bi := profile.BeamInfo; bi != nil {
		if def, ok := defs[bi.Device]; ok {
			def.Registers = append(def.Registers,
				floatRegister(BeamXRegister, bi.XAddress, types.AccessTypeReadOnly, "Beam size X", "um"),
				floatRegister(BeamYRegister, bi.YAddress, types.AccessTypeReadOnly, "Beam size Y", "um"),
			)
		}
	}

	out := make([]types.DeviceDefinition, 0, len(order))
	for _, name := range order {
		def := defs[name]
		if err := checkOverlaps(def); err != nil {
			return nil, err
		}

		c.logger.Info("Device composition complete",
			zap.String("device", name),
			zap.Int("total_registers", len(def.Registers)),
			zap.Int("register_groups", len(def.Groups)))

		out = append(out, *def)
	}
	return out, nil
}

func (c *Composer) addMotor(def *types.DeviceDefinition, role types.Role, mp types.MotorProfile) {
	base := mp.BaseAddress

	c.logger.Debug("Composing motor",
		zap.String("role", string(role)),
		zap.String("device", def.Name),
		zap.Uint16("base_address", base))

	def.Registers = append(def.Registers,
		floatRegister(MotorRegister(role, "position"), base+motorPositionOffset, types.AccessTypeReadWrite, "Position", ""),
		types.RegisterDefinition{
			Name:        MotorRegister(role, "state"),
			Address:     base + motorStateOffset,
			Type:        types.RegisterTypeHoldingRegister,
			DataType:    types.DataTypeUint16,
			ScaleFactor: 1.0,
			Access:      types.AccessTypeReadOnly,
			Description: "Device state",
		},
		types.RegisterDefinition{
			Name:        MotorRegister(role, "stop"),
			Address:     base + motorStopOffset,
			Type:        types.RegisterTypeHoldingRegister,
			DataType:    types.DataTypeUint16,
			ScaleFactor: 1.0,
			Access:      types.AccessTypeReadWrite,
			Description: "Stop command",
		},
		floatRegister(MotorRegister(role, "velocity"), base+motorVelocityOffset, types.AccessTypeReadWrite, "Velocity", ""),
		floatRegister(MotorRegister(role, "acceleration"), base+motorAccelerationOffset, types.AccessTypeReadOnly, "Acceleration", ""),
	)

	def.Groups = append(def.Groups, group(string(role), mp.Interval, def.Connection.PollIntervalMs,
		MotorRegister(role, "position"), MotorRegister(role, "state")))
}

func (c *Composer) addSupervisor(def *types.DeviceDefinition, sp *types.SupervisorProfile) {
	base := sp.BaseAddress

	def.Registers = append(def.Registers,
		types.RegisterDefinition{
			Name:        SupervisorRegister("phase"),
			Address:     base + supervisorPhaseOffset,
			Type:        types.RegisterTypeHoldingRegister,
			DataType:    types.DataTypeUint16,
			ScaleFactor: 1.0,
			Access:      types.AccessTypeReadOnly,
			Description: "Current phase",
		},
		types.RegisterDefinition{
			Name:        SupervisorRegister("state"),
			Address:     base + supervisorStateOffset,
			Type:        types.RegisterTypeHoldingRegister,
			DataType:    types.DataTypeUint16,
			ScaleFactor: 1.0,
			Access:      types.AccessTypeReadOnly,
			Description: "Supervisor state",
		},
		types.RegisterDefinition{
			Name:        SupervisorRegister("command"),
			Address:     base + supervisorCommandOffset,
			Type:        types.RegisterTypeHoldingRegister,
			DataType:    types.DataTypeUint16,
			ScaleFactor: 1.0,
			Access:      types.AccessTypeReadWrite,
			Description: "Phase request",
		},
	)

	def.Groups = append(def.Groups, group(SupervisorPrefix, sp.Interval, def.Connection.PollIntervalMs,
		SupervisorRegister("phase"), SupervisorRegister("state")))
}

func floatRegister(name string, address uint16, access types.AccessType, description, unit string) types.RegisterDefinition {
	return types.RegisterDefinition{
		Name:        name,
		Address:     address,
		Type:        types.RegisterTypeHoldingRegister,
		DataType:    types.DataTypeFloat32,
		ScaleFactor: 1.0,
		Unit:        unit,
		Access:      access,
		Description: description,
	}
}

// group polls event channels at the device rate and publishes changes only;
// channels with an explicit interval publish every sample.
func group(name string, interval types.Interval, devicePollMs int, registers ...string) types.RegisterGroup {
	period := interval.Resolve(time.Duration(devicePollMs) * time.Millisecond)
	return types.RegisterGroup{
		Name:           name,
		PollIntervalMs: int(period / time.Millisecond),
		OnChange:       interval.Period == 0,
		Registers:      registers,
	}
}

func checkOverlaps(def *types.DeviceDefinition) error {
	type span struct {
		name       string
		start, end int
	}
	spans := make([]span, 0, len(def.Registers))
	for _, reg := range def.Registers {
		width := 1
		switch reg.DataType {
		case types.DataTypeFloat32, types.DataTypeInt32, types.DataTypeUint32:
			width = 2
		case types.DataTypeFloat64:
			width = 4
		}
		spans = append(spans, span{reg.Name, int(reg.Address), int(reg.Address) + width})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("device %s: register %s overlaps %s", def.Name, spans[i].name, spans[i-1].name)
		}
	}
	return nil
}
