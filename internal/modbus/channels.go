package modbus

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// DevStateCodes maps the controller's state register to device state tokens.
// Codes follow the Tango DevState ordinals.
var DevStateCodes = map[uint16]string{
	0:  "ON",
	1:  "OFF",
	2:  "CLOSE",
	3:  "OPEN",
	4:  "INSERT",
	5:  "EXTRACT",
	6:  "MOVING",
	7:  "STANDBY",
	8:  "FAULT",
	9:  "INIT",
	10: "RUNNING",
	11: "ALARM",
	12: "DISABLE",
	13: "UNKNOWN",
}

var (
	_ channel.Channel[float64] = (*FloatChannel)(nil)
	_ channel.Channel[string]  = (*CodeChannel)(nil)
	_ channel.Command          = (*CommandRegister)(nil)
)

// FloatChannel exposes a numeric register as a channel. Writes go to the
// setpoint register when one is configured.
type FloatChannel struct {
	name     string
	device   *Device
	register string
	setpoint string
}

func NewFloatChannel(name string, device *Device, register, setpoint string) *FloatChannel {
	if setpoint == "" {
		setpoint = register
	}
	return &FloatChannel{name: name, device: device, register: register, setpoint: setpoint}
}

func (c *FloatChannel) Name() string { return c.name }

func (c *FloatChannel) Value(ctx context.Context) (float64, error) {
	raw, err := c.device.ReadRegister(ctx, c.register)
	if err != nil {
		return 0, &types.TransportError{Channel: c.name, Op: "read", Err: err}
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, &types.TransportError{Channel: c.name, Op: "read", Err: fmt.Errorf("unexpected value %v", raw)}
	}
	return f, nil
}

func (c *FloatChannel) SetValue(ctx context.Context, v float64) error {
	if err := c.device.WriteRegister(ctx, c.setpoint, v); err != nil {
		return &types.TransportError{Channel: c.name, Op: "write", Err: err}
	}
	return nil
}

func (c *FloatChannel) Subscribe(fn func(float64)) func() {
	return c.device.Subscribe(c.register, func(raw any) {
		if f, ok := toFloat(raw); ok {
			fn(f)
		}
	})
}

// CodeChannel translates an enumerated register into string tokens. Codes
// missing from the table surface as their decimal value.
type CodeChannel struct {
	name     string
	device   *Device
	register string
	codes    map[uint16]string
	tokens   map[string]uint16
}

func NewCodeChannel(name string, device *Device, register string, codes map[uint16]string) *CodeChannel {
	tokens := make(map[string]uint16, len(codes))
	for code, token := range codes {
		tokens[token] = code
	}
	return &CodeChannel{name: name, device: device, register: register, codes: codes, tokens: tokens}
}

// NewStateChannel is a CodeChannel over DevStateCodes.
func NewStateChannel(name string, device *Device, register string) *CodeChannel {
	return NewCodeChannel(name, device, register, DevStateCodes)
}

func (c *CodeChannel) Name() string { return c.name }

func (c *CodeChannel) Value(ctx context.Context) (string, error) {
	raw, err := c.device.ReadRegister(ctx, c.register)
	if err != nil {
		return "", &types.TransportError{Channel: c.name, Op: "read", Err: err}
	}
	token, ok := c.token(raw)
	if !ok {
		return "", &types.TransportError{Channel: c.name, Op: "read", Err: fmt.Errorf("unexpected value %v", raw)}
	}
	return token, nil
}

func (c *CodeChannel) SetValue(ctx context.Context, token string) error {
	code, ok := c.tokens[token]
	if !ok {
		return fmt.Errorf("%s: no code for %q", c.name, token)
	}
	if err := c.device.WriteRegister(ctx, c.register, code); err != nil {
		return &types.TransportError{Channel: c.name, Op: "write", Err: err}
	}
	return nil
}

func (c *CodeChannel) Subscribe(fn func(string)) func() {
	return c.device.Subscribe(c.register, func(raw any) {
		if token, ok := c.token(raw); ok {
			fn(token)
		}
	})
}

func (c *CodeChannel) token(raw any) (string, bool) {
	f, ok := toFloat(raw)
	if !ok || f < 0 || f > math.MaxUint16 {
		return "", false
	}
	code := uint16(f)
	if token, ok := c.codes[code]; ok {
		return token, true
	}
	return strconv.Itoa(int(code)), true
}

// CommandRegister triggers a controller action by writing a fixed value.
type CommandRegister struct {
	name     string
	device   *Device
	register string
	value    uint16
}

func NewCommandRegister(name string, device *Device, register string, value uint16) *CommandRegister {
	return &CommandRegister{name: name, device: device, register: register, value: value}
}

func (c *CommandRegister) Name() string { return c.name }

func (c *CommandRegister) Execute(ctx context.Context) error {
	if err := c.device.WriteRegister(ctx, c.register, c.value); err != nil {
		return &types.TransportError{Channel: c.name, Op: "execute", Err: err}
	}
	return nil
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case uint16:
		return float64(v), true
	default:
		return 0, false
	}
}
