package fwxc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// Thorlabs USB vendor id
const thorlabsVID = "1313"

type PortInfo struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Product      string `json:"product"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
}

// ListPorts returns the serial ports that belong to Thorlabs USB devices.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}

	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, thorlabsVID) {
			continue
		}
		out = append(out, PortInfo{
			Name:         p.Name,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
			VID:          p.VID,
			PID:          p.PID,
		})
	}

	return out, nil
}

// Driver opens FW102C wheels by USB serial number or by port name.
type Driver struct {
	logger   *zap.Logger
	open     OpenFunc
	resolver func(serial string) (string, error)
}

func NewDriver(logger *zap.Logger) *Driver {
	return &Driver{
		logger:   logger,
		open:     openSerial,
		resolver: resolvePort,
	}
}

// looksLikePort reports whether id already names a serial device.
func looksLikePort(id string) bool {
	upper := strings.ToUpper(id)
	return strings.HasPrefix(id, "/dev/") || strings.HasPrefix(upper, "COM")
}

func resolvePort(serialNumber string) (string, error) {
	if looksLikePort(serialNumber) {
		return serialNumber, nil
	}

	ports, err := ListPorts()
	if err != nil {
		return "", err
	}

	for _, p := range ports {
		if p.SerialNumber == serialNumber {
			return p.Name, nil
		}
	}

	return "", fmt.Errorf("no Thorlabs port with serial %s", serialNumber)
}

func (d *Driver) Open(ctx context.Context, params wheel.OpenParams) (wheel.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	portName, err := d.resolver(params.Serial)
	if err != nil {
		return nil, devices.NewCommError(params.Serial, devices.OpOpen, err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	client := NewClient(portName, params.Baud, timeout).WithOpenFunc(d.open)
	if err := client.Connect(); err != nil {
		return nil, devices.NewCommError(params.Serial, devices.OpOpen, err)
	}

	// A port that opens but never answers is not a wheel.
	if _, err := client.GetPosition(); err != nil {
		client.Close()
		return nil, devices.NewCommError(params.Serial, devices.OpOpen, err)
	}

	d.logger.Debug("Opened filter wheel port",
		zap.String("serial", params.Serial),
		zap.String("port", portName))

	return &handle{serial: params.Serial, client: client}, nil
}

type handle struct {
	serial string
	client *Client
}

func (h *handle) Position() (int, error) {
	pos, err := h.client.GetPosition()
	if err != nil {
		return 0, devices.NewCommError(h.serial, devices.OpRead, err)
	}
	return pos, nil
}

func (h *handle) SetPosition(slot int) error {
	if err := h.client.SetPosition(slot); err != nil {
		return devices.NewCommError(h.serial, devices.OpWrite, err)
	}
	return nil
}

func (h *handle) Close() error {
	if err := h.client.Close(); err != nil {
		return devices.NewCommError(h.serial, devices.OpClose, err)
	}
	return nil
}
