package modbus

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
)

// Device is one Modbus-TCP endpoint with the registers composed for the
// channels bound to it.
type Device struct {
	ID        uuid.UUID
	Name      string
	UnitID    uint8
	Client    *Client
	Registers map[string]*types.RegisterDefinition

	mu          sync.RWMutex
	lastValues  map[string]any
	nextSub     int
	subscribers map[string]map[int]func(any)
}

func NewDevice(def types.DeviceDefinition) (*Device, error) {
	registers := make(map[string]*types.RegisterDefinition, len(def.Registers))
	for i := range def.Registers {
		reg := &def.Registers[i]
		if _, dup := registers[reg.Name]; dup {
			return nil, fmt.Errorf("device %s: duplicate register %s", def.Name, reg.Name)
		}
		registers[reg.Name] = reg
	}

	if def.Connection.UnitID < 0 || def.Connection.UnitID > 255 {
		return nil, fmt.Errorf("device %s: invalid unit id %d", def.Name, def.Connection.UnitID)
	}

	address := net.JoinHostPort(def.Connection.IPAddress, strconv.Itoa(def.Connection.Port))
	timeout := time.Duration(def.Connection.TimeoutMs) * time.Millisecond

	return &Device{
		ID:          uuid.New(),
		Name:        def.Name,
		UnitID:      uint8(def.Connection.UnitID),
		Client:      NewClient(address, timeout),
		Registers:   registers,
		lastValues:  make(map[string]any),
		subscribers: make(map[string]map[int]func(any)),
	}, nil
}

func (d *Device) Connect(ctx context.Context) error {
	if err := d.Client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Disconnect() error {
	return d.Client.Close()
}

func (d *Device) register(name string) (*types.RegisterDefinition, error) {
	reg, ok := d.Registers[name]
	if !ok {
		return nil, fmt.Errorf("register not found: %s", name)
	}
	return reg, nil
}

// ReadRegister reads and caches one register without notifying subscribers.
func (d *Device) ReadRegister(ctx context.Context, name string) (any, error) {
	reg, err := d.register(name)
	if err != nil {
		return nil, err
	}

	if reg.Type != types.RegisterTypeHoldingRegister && reg.Type != types.RegisterTypeInputRegister {
		return nil, fmt.Errorf("unsupported register type: %s", reg.Type)
	}

	if !d.Client.Connected() {
		if err := d.Connect(ctx); err != nil {
			return nil, err
		}
	}

	read := d.Client.ReadHoldingRegisters
	if reg.Type == types.RegisterTypeInputRegister {
		read = d.Client.ReadInputRegisters
	}

	words, err := read(ctx, d.UnitID, reg.Address, registerQuantity(reg.DataType))
	if err != nil {
		return nil, fmt.Errorf("failed to read register %s: %w", name, err)
	}

	value := decodeRegisters(words, reg.DataType, reg.ScaleFactor)

	d.mu.Lock()
	d.lastValues[name] = value
	d.mu.Unlock()

	return value, nil
}

// Poll reads a register and notifies its subscribers when the value changed
// since the previous read, or on every read when always is set.
func (d *Device) Poll(ctx context.Context, name string, always bool) error {
	d.mu.RLock()
	previous, seen := d.lastValues[name]
	d.mu.RUnlock()

	value, err := d.ReadRegister(ctx, name)
	if err != nil {
		return err
	}

	if always || !seen || previous != value {
		d.notify(name, value)
	}
	return nil
}

func (d *Device) WriteRegister(ctx context.Context, name string, value any) error {
	reg, err := d.register(name)
	if err != nil {
		return err
	}

	if reg.Access != types.AccessTypeReadWrite {
		return fmt.Errorf("register %s is read-only", name)
	}

	words, err := encodeRegisters(value, reg.DataType, reg.ScaleFactor)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	if !d.Client.Connected() {
		if err := d.Connect(ctx); err != nil {
			return err
		}
	}

	if len(words) == 1 {
		err = d.Client.WriteSingleRegister(ctx, d.UnitID, reg.Address, words[0])
	} else {
		err = d.Client.WriteMultipleRegisters(ctx, d.UnitID, reg.Address, words)
	}
	if err != nil {
		return fmt.Errorf("failed to write register %s: %w", name, err)
	}
	return nil
}

func (d *Device) LastValue(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, ok := d.lastValues[name]
	return value, ok
}

// Subscribe registers fn for values published by Poll on the named register.
func (d *Device) Subscribe(name string, fn func(any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSub++
	id := d.nextSub
	if d.subscribers[name] == nil {
		d.subscribers[name] = make(map[int]func(any))
	}
	d.subscribers[name][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subscribers[name], id)
	}
}

func (d *Device) notify(name string, value any) {
	d.mu.RLock()
	ids := make([]int, 0, len(d.subscribers[name]))
	for id := range d.subscribers[name] {
		ids = append(ids, id)
	}
	fns := make([]func(any), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, d.subscribers[name][id])
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(value)
	}
}

func registerQuantity(dataType types.DataType) uint16 {
	switch dataType {
	case types.DataTypeInt32, types.DataTypeUint32, types.DataTypeFloat32:
		return 2
	case types.DataTypeFloat64:
		return 4
	default:
		return 1
	}
}

// decodeRegisters converts big-endian words (high word first) to a float64,
// or a bool for bool registers.
func decodeRegisters(words []uint16, dataType types.DataType, scale float64) any {
	if scale == 0 {
		scale = 1.0
	}

	switch dataType {
	case types.DataTypeBool:
		return words[0] != 0
	case types.DataTypeInt16:
		return float64(int16(words[0])) * scale
	case types.DataTypeUint32:
		return float64(uint32(words[0])<<16|uint32(words[1])) * scale
	case types.DataTypeInt32:
		return float64(int32(uint32(words[0])<<16|uint32(words[1]))) * scale
	case types.DataTypeFloat32:
		bits := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(bits)) * scale
	case types.DataTypeFloat64:
		bits := uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3])
		return math.Float64frombits(bits) * scale
	default:
		return float64(words[0]) * scale
	}
}

func encodeRegisters(value any, dataType types.DataType, scale float64) ([]uint16, error) {
	if scale == 0 {
		scale = 1.0
	}

	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case uint16:
		f = float64(v)
	case int16:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("value %v cannot be encoded", f)
	}
	raw := f / scale

	switch dataType {
	case types.DataTypeBool:
		if raw != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case types.DataTypeInt16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, fmt.Errorf("value %v out of int16 range", f)
		}
		return []uint16{uint16(int16(math.Round(raw)))}, nil
	case types.DataTypeUint16:
		if raw < 0 || raw > math.MaxUint16 {
			return nil, fmt.Errorf("value %v out of uint16 range", f)
		}
		return []uint16{uint16(math.Round(raw))}, nil
	case types.DataTypeInt32:
		if raw < math.MinInt32 || raw > math.MaxInt32 {
			return nil, fmt.Errorf("value %v out of int32 range", f)
		}
		bits := uint32(int32(math.Round(raw)))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case types.DataTypeUint32:
		if raw < 0 || raw > math.MaxUint32 {
			return nil, fmt.Errorf("value %v out of uint32 range", f)
		}
		bits := uint32(math.Round(raw))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case types.DataTypeFloat32:
		bits := math.Float32bits(float32(raw))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case types.DataTypeFloat64:
		bits := math.Float64bits(raw)
		return []uint16{uint16(bits >> 48), uint16(bits >> 32), uint16(bits >> 16), uint16(bits)}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %s", dataType)
	}
}
