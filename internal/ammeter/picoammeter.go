// Package ammeter reads photocurrent from a Keithley 6485 picoammeter over
// RS-232.
package ammeter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/metrics"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaud         = 9600
	DefaultTimeout      = 2 * time.Second
	DefaultCommandDelay = 100 * time.Millisecond
	DefaultSettleDelay  = 500 * time.Millisecond

	maxLineSize = 128
)

// configureSequence resets the instrument to single triggered current
// readings with autorange and zero correction.
var configureSequence = []string{
	"*RST",
	":FORM:ELEM READ",
	"TRIG:DEL 0",
	"TRIG:COUNT 1",
	"SENS:CURR:NPLC 6",
	"SENS:CURR:RANG 0.000002",
	"SENS:CURR:RANG:AUTO ON",
	"SYST:ZCOR ON",
	"SYST:AZER:STAT OFF",
	"DISP:ENAB ON",
	":SYST:ZCH:STAT OFF",
}

type Port interface {
	io.ReadWriteCloser
}

type OpenFunc func(name string, baud int) (Port, error)

func openSerial(name string, baud int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

type Config struct {
	Name         string        `mapstructure:"name"`
	Port         string        `mapstructure:"port"`
	Baud         int           `mapstructure:"baud"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CommandDelay time.Duration `mapstructure:"command_delay"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

type Status struct {
	Name        string   `json:"name"`
	Connected   bool     `json:"connected"`
	Port        string   `json:"port"`
	Baud        int      `json:"baud"`
	LastCurrent *float64 `json:"last_current_a"`
}

type Picoammeter struct {
	cfg    Config
	open   OpenFunc
	logger *zap.Logger

	mu   sync.Mutex
	port Port
	last *float64
}

func New(cfg Config, logger *zap.Logger) *Picoammeter {
	if cfg.Name == "" {
		cfg.Name = "ammeter"
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CommandDelay < 0 {
		cfg.CommandDelay = 0
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}

	return &Picoammeter{
		cfg:    cfg,
		open:   openSerial,
		logger: logger.With(zap.String("ammeter", cfg.Name)),
	}
}

// WithOpenFunc replaces how the serial port is opened.
func (p *Picoammeter) WithOpenFunc(open OpenFunc) *Picoammeter {
	p.open = open
	return p
}

func (p *Picoammeter) Name() string {
	return p.cfg.Name
}

// Connect opens the port and sends the configuration sequence. It is a
// no-op when already connected.
func (p *Picoammeter) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		return nil
	}

	port, err := p.open(p.cfg.Port, p.cfg.Baud)
	if err != nil {
		return devices.NewCommError(p.cfg.Name, devices.OpOpen, err)
	}
	p.port = port

	for _, cmd := range configureSequence {
		if err := p.sendLocked(ctx, cmd); err != nil {
			p.closeLocked()
			return fmt.Errorf("failed to configure ammeter: %w", err)
		}
	}
	if err := sleep(ctx, p.cfg.SettleDelay); err != nil {
		p.closeLocked()
		return err
	}

	p.logger.Info("Ammeter connected", zap.String("port", p.cfg.Port), zap.Int("baud", p.cfg.Baud))
	return nil
}

func (p *Picoammeter) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()
	return nil
}

func (p *Picoammeter) closeLocked() {
	if p.port == nil {
		return
	}
	if err := p.port.Close(); err != nil {
		p.logger.Debug("Ignoring ammeter close error", zap.Error(err))
	}
	p.port = nil
}

func (p *Picoammeter) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}

func (p *Picoammeter) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Name:      p.cfg.Name,
		Connected: p.port != nil,
		Port:      p.cfg.Port,
		Baud:      p.cfg.Baud,
	}
	if p.last != nil {
		v := *p.last
		st.LastCurrent = &v
	}
	return st
}

// ReadCurrent triggers a single reading and returns it in amperes.
func (p *Picoammeter) ReadCurrent(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.readLocked(ctx)
	metrics.RecordAmmeterRead(cur, err)
	return cur, err
}

func (p *Picoammeter) readLocked(ctx context.Context) (float64, error) {
	if p.port == nil {
		return 0, fmt.Errorf("ammeter %s: %w", p.cfg.Name, devices.ErrNotConnected)
	}

	resp, err := p.queryLocked(ctx, "READ?")
	if err != nil {
		p.last = nil
		return 0, err
	}

	cur, err := ParseReading(resp)
	if err != nil {
		p.last = nil
		return 0, devices.NewCommError(p.cfg.Name, devices.OpRead, err)
	}

	p.last = &cur
	return cur, nil
}

// ParseReading parses a READ? response. With :FORM:ELEM READ the reply is
// a single number, optionally with an "A" unit suffix.
func ParseReading(resp string) (float64, error) {
	s := strings.TrimSpace(resp)
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "A")

	cur, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad ammeter response %q", resp)
	}
	return cur, nil
}

func (p *Picoammeter) sendLocked(ctx context.Context, cmd string) error {
	if _, err := p.port.Write([]byte(cmd + "\r")); err != nil {
		return devices.NewCommError(p.cfg.Name, devices.OpWrite, err)
	}
	return sleep(ctx, p.cfg.CommandDelay)
}

func (p *Picoammeter) queryLocked(ctx context.Context, cmd string) (string, error) {
	if err := p.sendLocked(ctx, cmd); err != nil {
		return "", err
	}

	line, err := p.readLineLocked(ctx)
	if err != nil {
		return "", devices.NewCommError(p.cfg.Name, devices.OpRead, err)
	}
	return line, nil
}

func (p *Picoammeter) readLineLocked(ctx context.Context) (string, error) {
	deadline := time.Now().Add(p.cfg.Timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 32)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := p.port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if i := bytes.IndexByte(buf.Bytes(), '\n'); i >= 0 {
				return strings.TrimSpace(string(buf.Bytes()[:i])), nil
			}
			if buf.Len() > maxLineSize {
				return "", fmt.Errorf("response exceeds %d bytes", maxLineSize)
			}
		}
		if err != nil && err != io.EOF {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no response within %s", p.cfg.Timeout)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
