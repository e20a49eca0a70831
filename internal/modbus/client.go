package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("not connected")

// Client is a Modbus-TCP master. Requests are serialized on one connection;
// an I/O failure drops the connection so the next Connect redials.
type Client struct {
	address       string
	timeout       time.Duration
	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection to %s failed: %w", c.address, err)
	}

	c.conn = conn
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendFrame writes request and waits for the matching response. The
// deadline is the earlier of ctx's deadline and the client timeout.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || headerSize+length-1 > maxFrameSize {
		c.closeLocked()
		return nil, fmt.Errorf("invalid response length %d", length)
	}

	buf := make([]byte, headerSize+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(c.conn, buf[headerSize:]); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	if err := response.Exception(); err != nil {
		return nil, err
	}

	return response, nil
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity), quantity)
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadInputRegistersRequest(unitID, startAddr, quantity), quantity)
}

func (c *Client) readRegisters(ctx context.Context, request *Frame, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > maxRegisters {
		return nil, fmt.Errorf("invalid register quantity %d", quantity)
	}

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return nil, err
	}

	registers, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(registers) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(registers))
	}
	return registers, nil
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr, value uint16) error {
	_, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	return err
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	if len(values) == 0 || len(values) > maxRegisters {
		return fmt.Errorf("invalid register quantity %d", len(values))
	}
	_, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(unitID, startAddr, values))
	return err
}
