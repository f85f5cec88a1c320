// Package shutter drives a beam shutter wired to a digital line of a
// LabJack T4, reached over Modbus/TCP.
package shutter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/metrics"
	"github.com/KevinKickass/OpenLabRig/internal/modbus"
	"go.uber.org/zap"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"

	DefaultLine    = "FIO4"
	DefaultPort    = "502"
	DefaultTimeout = 2 * time.Second

	dioBaseAddress = 2000
)

type Config struct {
	Name       string        `mapstructure:"name"`
	Address    string        `mapstructure:"address"`
	Line       string        `mapstructure:"line"`
	ActiveHigh bool          `mapstructure:"active_high"`
	UnitID     uint8         `mapstructure:"unit_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Status struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Line      string `json:"line"`
	Address   string `json:"address"`
}

// LabJack is a shutter on one LabJack DIO line. The logical state is
// cached from the last successful write; the line is not read back.
type LabJack struct {
	name       string
	line       string
	register   uint16
	activeHigh bool
	unitID     uint8
	client     *modbus.Client
	logger     *zap.Logger

	mu       sync.Mutex
	open     bool
	listener func(Status)
}

func NewLabJack(cfg Config, logger *zap.Logger) (*LabJack, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("shutter address is required: %w", devices.ErrInvalidArgument)
	}
	if cfg.Name == "" {
		cfg.Name = "shutter"
	}
	if cfg.Line == "" {
		cfg.Line = DefaultLine
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}

	reg, err := LineRegister(cfg.Line)
	if err != nil {
		return nil, err
	}

	address := cfg.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultPort)
	}

	return &LabJack{
		name:       cfg.Name,
		line:       strings.ToUpper(cfg.Line),
		register:   reg,
		activeHigh: cfg.ActiveHigh,
		unitID:     cfg.UnitID,
		client:     modbus.NewClient(address, cfg.Timeout),
		logger:     logger.With(zap.String("shutter", cfg.Name)),
	}, nil
}

// LineRegister maps a T4 line name (FIO0-7, EIO0-7, CIO0-3 or DIO0-19) to
// its Modbus register address.
func LineRegister(line string) (uint16, error) {
	name := strings.ToUpper(strings.TrimSpace(line))

	var offset, limit int
	var digits string
	switch {
	case strings.HasPrefix(name, "FIO"):
		offset, limit, digits = 0, 8, name[3:]
	case strings.HasPrefix(name, "EIO"):
		offset, limit, digits = 8, 8, name[3:]
	case strings.HasPrefix(name, "CIO"):
		offset, limit, digits = 16, 4, name[3:]
	case strings.HasPrefix(name, "DIO"):
		offset, limit, digits = 0, 20, name[3:]
	default:
		return 0, fmt.Errorf("unknown line %q: %w", line, devices.ErrInvalidArgument)
	}

	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n >= limit {
		return 0, fmt.Errorf("unknown line %q: %w", line, devices.ErrInvalidArgument)
	}

	return uint16(dioBaseAddress + offset + n), nil
}

// OnChange registers fn to be called after every state change.
func (l *LabJack) OnChange(fn func(Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
}

func (l *LabJack) Name() string {
	return l.name
}

// Connect opens the Modbus connection and drives the shutter closed.
func (l *LabJack) Connect(ctx context.Context) error {
	if l.client.IsConnected() {
		return nil
	}

	if err := l.client.Connect(ctx); err != nil {
		return devices.NewCommError(l.name, devices.OpOpen, err)
	}

	l.logger.Info("Shutter connected",
		zap.String("address", l.client.Address()),
		zap.String("line", l.line))

	return l.set(ctx, false)
}

func (l *LabJack) Disconnect() error {
	if err := l.client.Close(); err != nil {
		l.logger.Debug("Ignoring shutter close error", zap.Error(err))
	}
	return nil
}

func (l *LabJack) IsConnected() bool {
	return l.client.IsConnected()
}

func (l *LabJack) Open(ctx context.Context) error {
	return l.set(ctx, true)
}

func (l *LabJack) Close(ctx context.Context) error {
	return l.set(ctx, false)
}

// Apply performs "open" or "close".
func (l *LabJack) Apply(ctx context.Context, action string) error {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionOpen:
		return l.Open(ctx)
	case ActionClose:
		return l.Close(ctx)
	default:
		return fmt.Errorf("shutter action %q must be 'open' or 'close': %w", action, devices.ErrInvalidArgument)
	}
}

func (l *LabJack) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *LabJack) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *LabJack) statusLocked() Status {
	state := "closed"
	if l.open {
		state = "open"
	}
	return Status{
		Name:      l.name,
		Connected: l.client.IsConnected(),
		State:     state,
		Line:      l.line,
		Address:   l.client.Address(),
	}
}

func (l *LabJack) set(ctx context.Context, open bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.client.IsConnected() {
		return fmt.Errorf("shutter %s: %w", l.name, devices.ErrNotConnected)
	}

	level := uint16(0)
	if open == l.activeHigh {
		level = 1
	}

	if err := l.client.WriteSingleRegister(ctx, l.unitID, l.register, level); err != nil {
		return devices.NewCommError(l.name, devices.OpWrite, err)
	}

	l.open = open
	metrics.SetShutterOpen(open)
	l.logger.Debug("Shutter line written",
		zap.String("line", l.line),
		zap.Uint16("level", level),
		zap.Bool("open", open))

	if l.listener != nil {
		l.listener(l.statusLocked())
	}
	return nil
}
