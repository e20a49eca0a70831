package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// responder is a minimal Modbus-TCP server over a register bank.
type responder struct {
	ln net.Listener

	mu        sync.Mutex
	registers [64]uint16
	writes    int
}

func newResponder(t *testing.T) *responder {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &responder{ln: ln}
	go r.serve()
	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *responder) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *responder) set(addr int, words ...uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.registers[addr:], words)
}

func (r *responder) get(addr int) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers[addr]
}

func (r *responder) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *responder) handle(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		pdu := make([]byte, int(binary.BigEndian.Uint16(header[4:6]))-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		reply := r.process(pdu)
		out := make([]byte, 7+len(reply))
		copy(out, header[:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(len(reply)+1))
		out[6] = header[6]
		copy(out[7:], reply)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (r *responder) process(pdu []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc := pdu[0]
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	exception := func(code byte) []byte { return []byte{fc | 0x80, code} }

	switch fc {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		qty := int(binary.BigEndian.Uint16(pdu[3:5]))
		if addr+qty > len(r.registers) {
			return exception(0x02)
		}
		reply := []byte{fc, byte(2 * qty)}
		for i := 0; i < qty; i++ {
			reply = binary.BigEndian.AppendUint16(reply, r.registers[addr+i])
		}
		return reply
	case FuncCodeWriteSingleRegister:
		if addr >= len(r.registers) {
			return exception(0x02)
		}
		r.registers[addr] = binary.BigEndian.Uint16(pdu[3:5])
		r.writes++
		return pdu
	case FuncCodeWriteMultipleRegisters:
		qty := int(binary.BigEndian.Uint16(pdu[3:5]))
		if addr+qty > len(r.registers) {
			return exception(0x02)
		}
		for i := 0; i < qty; i++ {
			r.registers[addr+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		r.writes++
		return pdu[:5]
	default:
		return exception(0x01)
	}
}

func testDevice(t *testing.T, r *responder) *Device {
	t.Helper()

	d, err := NewDevice(types.DeviceDefinition{
		Name: "minidiff",
		Connection: types.ConnectionConfig{
			Protocol:  "modbus_tcp",
			IPAddress: "127.0.0.1",
			Port:      r.port(),
			UnitID:    1,
			TimeoutMs: 500,
		},
		Registers: []types.RegisterDefinition{
			{Name: "phi.position", Address: 0, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeFloat32, Access: types.AccessTypeReadWrite},
			{Name: "phi.state", Address: 2, Type: types.RegisterTypeInputRegister, DataType: types.DataTypeUint16, Access: types.AccessTypeReadOnly},
			{Name: "phi.stop", Address: 3, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeUint16, Access: types.AccessTypeReadWrite},
			{Name: "out_of_range", Address: 100, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeUint16, Access: types.AccessTypeReadWrite},
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { d.Disconnect() })
	return d
}

func TestFrame_EncodeDecode(t *testing.T) {
	req := WriteMultipleRegistersRequest(1, 10, []uint16{0x1234, 0xABCD})
	req.TransactionID = 7

	raw := req.Encode()
	assert.Equal(t, uint16(len(raw)-6), binary.BigEndian.Uint16(raw[4:6]))

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), frame.TransactionID)
	assert.Equal(t, uint8(FuncCodeWriteMultipleRegisters), frame.FunctionCode)
	assert.Equal(t, []byte{0, 10, 0, 2, 4, 0x12, 0x34, 0xAB, 0xCD}, frame.Data)
}

func TestFrame_Exception(t *testing.T) {
	frame := &Frame{FunctionCode: 0x83, Data: []byte{0x02}}

	var exc *ExceptionError
	require.True(t, errors.As(frame.Exception(), &exc))
	assert.Equal(t, uint8(0x03), exc.FunctionCode)
	assert.Equal(t, uint8(0x02), exc.Code)
}

func TestDevice_Float32RoundTrip(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)
	ctx := context.Background()

	require.NoError(t, d.WriteRegister(ctx, "phi.position", 12.5))

	v, err := d.ReadRegister(ctx, "phi.position")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	last, ok := d.LastValue("phi.position")
	require.True(t, ok)
	assert.Equal(t, 12.5, last)
}

func TestDevice_ReadOnlyAndExceptions(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)
	ctx := context.Background()

	assert.Error(t, d.WriteRegister(ctx, "phi.state", 1))
	assert.Error(t, d.WriteRegister(ctx, "missing", 1))

	_, err := d.ReadRegister(ctx, "out_of_range")
	var exc *ExceptionError
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(0x02), exc.Code)
}

func TestPoller_OnChangeGroupPublishesChangesOnly(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)
	r.set(2, 0)

	var mu sync.Mutex
	var seen []uint16
	d.Subscribe("phi.state", func(v any) {
		mu.Lock()
		seen = append(seen, uint16(v.(float64)))
		mu.Unlock()
	})

	p := NewPoller(d, types.RegisterGroup{
		Name:           "phi",
		PollIntervalMs: 10,
		OnChange:       true,
		Registers:      []string{"phi.state"},
	}, zaptest.NewLogger(t))

	p.PollOnce()
	p.PollOnce()
	r.set(2, 6)
	p.PollOnce()
	p.PollOnce()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint16{0, 6}, seen)
}

func TestPoller_StartStop(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)

	polled := make(chan struct{}, 16)
	d.Subscribe("phi.state", func(any) {
		select {
		case polled <- struct{}{}:
		default:
		}
	})

	p := NewPoller(d, types.RegisterGroup{Name: "phi", PollIntervalMs: 5, Registers: []string{"phi.state"}}, zaptest.NewLogger(t))
	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("poller never published")
	}

	p.Stop()
	assert.False(t, p.IsRunning())
}

func TestChannels(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)
	ctx := context.Background()

	position := NewFloatChannel("phiPosition", d, "phi.position", "")
	require.NoError(t, position.SetValue(ctx, -3.25))
	v, err := position.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, -3.25, v)

	state := NewStateChannel("phiState", d, "phi.state")
	r.set(2, 6)
	token, err := state.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MOVING", token)

	r.set(2, 99)
	token, err = state.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(99), token)

	stop := NewCommandRegister("phiStop", d, "phi.stop", 1)
	require.NoError(t, stop.Execute(ctx))
	assert.Equal(t, uint16(1), r.get(3))
}

func TestChannels_TransportErrors(t *testing.T) {
	r := newResponder(t)
	d := testDevice(t, r)

	bad := NewFloatChannel("bad", d, "out_of_range", "")
	_, err := bad.Value(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
}
