package modbus

import (
	"encoding/binary"
	"fmt"
)

// Frame is an MBAP header (7 bytes) plus function code and PDU data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0x0000 for Modbus
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
	headerSize    = 7
	maxFrameSize  = 260
	maxRegisters  = 123
)

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	var reason string
	switch e.Code {
	case 0x01:
		reason = "illegal function"
	case 0x02:
		reason = "illegal data address"
	case 0x03:
		reason = "illegal data value"
	case 0x04:
		reason = "server device failure"
	case 0x06:
		reason = "server device busy"
	default:
		reason = "unknown exception"
	}
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X: %s", e.Code, e.FunctionCode, reason)
}

func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	frame := make([]byte, headerSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header says %d, got %d", frame.Length, len(data)-6)
	}

	if len(data) > headerSize+1 {
		frame.Data = data[headerSize+1:]
	}

	return frame, nil
}

// Exception returns the device exception carried by the frame, if any.
func (f *Frame) Exception() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

func ReadHoldingRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &Frame{UnitID: unitID, FunctionCode: FuncCodeReadHoldingRegisters, Data: data}
}

func ReadInputRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	frame := ReadHoldingRegistersRequest(unitID, startAddr, quantity)
	frame.FunctionCode = FuncCodeReadInputRegisters
	return frame
}

func WriteSingleRegisterRequest(unitID uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &Frame{UnitID: unitID, FunctionCode: FuncCodeWriteSingleRegister, Data: data}
}

func WriteMultipleRegistersRequest(unitID uint8, startAddr uint16, values []uint16) *Frame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}

	return &Frame{UnitID: unitID, FunctionCode: FuncCodeWriteMultipleRegisters, Data: data}
}

// ParseRegisterResponse decodes the register words of a 0x03/0x04 response.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount%2 != 0 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
