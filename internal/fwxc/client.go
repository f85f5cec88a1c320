// Package fwxc speaks the ASCII command protocol of Thorlabs FW102C and
// FW212C filter wheels over a serial line.
package fwxc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	terminator = '\r'
	prompt     = '>'

	maxResponseSize = 256
)

var errCommand = errors.New("command error")

// Port is the part of a serial port the client needs.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens the named port. The default uses go.bug.st/serial.
type OpenFunc func(name string, baud int, timeout time.Duration) (Port, error)

func openSerial(name string, baud int, timeout time.Duration) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	// Short reads so the client can enforce its own deadline.
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}

	return port, nil
}

type Client struct {
	portName  string
	baud      int
	timeout   time.Duration
	open      OpenFunc
	port      Port
	mu        sync.Mutex
	connected bool
}

func NewClient(portName string, baud int, timeout time.Duration) *Client {
	return &Client{
		portName: portName,
		baud:     baud,
		timeout:  timeout,
		open:     openSerial,
	}
}

// WithOpenFunc replaces how the serial port is opened.
func (c *Client) WithOpenFunc(open OpenFunc) *Client {
	c.open = open
	return c
}

// Connect opens the serial port.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	port, err := c.open(c.portName, c.baud, c.timeout)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.portName, err)
	}

	c.port = port
	c.connected = true

	return nil
}

// Close releases the serial port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.port.Close()
	c.connected = false
	c.port = nil

	return err
}

// Query sends one command and returns the device's answer with the echo
// and prompt stripped.
func (c *Client) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return "", fmt.Errorf("not connected")
	}

	if _, err := c.port.Write(EncodeCommand(cmd)); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}

	raw, err := c.readUntilPrompt()
	if err != nil {
		return "", err
	}

	return ParseResponse(cmd, raw)
}

func (c *Client) readUntilPrompt() ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)

	for {
		n, err := c.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.IndexByte(buf, prompt) >= 0 {
				return buf, nil
			}
			if len(buf) > maxResponseSize {
				return nil, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("read failed: no prompt within %s", c.timeout)
		}
	}
}

// EncodeCommand terminates a command the way the wheel expects.
func EncodeCommand(cmd string) []byte {
	return append([]byte(cmd), terminator)
}

// ParseResponse strips the echoed command and the trailing prompt from a
// raw response.
func ParseResponse(cmd string, raw []byte) (string, error) {
	if i := bytes.IndexByte(raw, prompt); i >= 0 {
		raw = raw[:i]
	}

	lines := strings.FieldsFunc(string(raw), func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == cmd {
			continue
		}
		out = append(out, line)
	}

	resp := strings.Join(out, "\n")
	if strings.HasPrefix(strings.ToLower(resp), "command error") {
		return "", fmt.Errorf("%s: %w: %s", cmd, errCommand, resp)
	}

	return resp, nil
}

// GetPosition reads the current slot.
func (c *Client) GetPosition() (int, error) {
	return c.queryInt("pos?")
}

// SetPosition starts a move to slot.
func (c *Client) SetPosition(slot int) error {
	_, err := c.Query(fmt.Sprintf("pos=%d", slot))
	return err
}

// GetPositionCount reads how many slots the wheel has.
func (c *Client) GetPositionCount() (int, error) {
	return c.queryInt("pcount?")
}

// Identify returns the *idn? string.
func (c *Client) Identify() (string, error) {
	return c.Query("*idn?")
}

func (c *Client) queryInt(cmd string) (int, error) {
	resp, err := c.Query(cmd)
	if err != nil {
		return 0, err
	}

	v, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return 0, fmt.Errorf("%s: unexpected response %q", cmd, resp)
	}
	return v, nil
}
