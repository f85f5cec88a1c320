// Package modbus is a small Modbus/TCP client covering the register
// functions the rig's digital I/O devices need.
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

var ErrNotConnected = errors.New("modbus client not connected")

type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Connect dials the server. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

// SendFrame sends request and waits for the matching response. The
// earlier of the client timeout and the context deadline bounds the
// exchange. Transport failures drop the connection.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline failed: %w", err)
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	raw, err := c.readFrameLocked()
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}
	if err := response.Exception(); err != nil {
		return nil, err
	}
	if response.FunctionCode != request.FunctionCode {
		return nil, fmt.Errorf("function code mismatch: expected 0x%02X, got 0x%02X",
			request.FunctionCode, response.FunctionCode)
	}

	return response, nil
}

func (c *Client) readFrameLocked() ([]byte, error) {
	header := make([]byte, mbapHeaderLen-1)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length+len(header) > maxFrameLen {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	frame := make([]byte, len(header)+length)
	copy(frame, header)
	if _, err := io.ReadFull(c.conn, frame[len(header):]); err != nil {
		return nil, err
	}

	return frame, nil
}

func (c *Client) dropLocked() {
	c.conn.Close()
	c.conn = nil
	c.connected = false
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}

	regs, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(regs) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(regs))
	}
	return regs, nil
}

// WriteSingleRegister writes value and checks the echoed address and value.
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	if err != nil {
		return err
	}

	if len(response.Data) < 4 ||
		binary.BigEndian.Uint16(response.Data[0:2]) != addr ||
		binary.BigEndian.Uint16(response.Data[2:4]) != value {
		return fmt.Errorf("unexpected write echo % X", response.Data)
	}
	return nil
}
