package system

import (
	"fmt"

	"github.com/KevinKickass/OpenLabRig/internal/ammeter"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/modbus"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap"
)

const (
	simCurrentA = 2.5e-9
	simNoiseA   = 1e-11
)

// Simulation holds in-process stand-ins for the rig hardware: a simulated
// wheel for every wheel in the rig document, a Modbus/TCP responder in
// place of the LabJack and a scripted serial port in place of the
// picoammeter.
type Simulation struct {
	Driver  *wheel.SimDriver
	LabJack *modbus.Server
	Port    *ammeter.SimPort
}

// NewSimulation builds the simulated devices and points cfg at them.
func NewSimulation(cfg *config.Config, doc *types.RigDocument, logger *zap.Logger) (*Simulation, error) {
	driver := wheel.NewSimDriver()
	for key, spec := range doc.Wheels {
		spec = spec.WithDefaults()
		driver.AddDevice(spec.Serial, spec.Slots)
		logger.Debug("Simulated wheel", zap.String("wheel", key), zap.String("serial", spec.Serial))
	}

	labjack := modbus.NewServer(logger)
	if err := labjack.Listen("127.0.0.1:0"); err != nil {
		return nil, fmt.Errorf("failed to start simulated LabJack: %w", err)
	}

	cfg.Rig.Driver = config.RigDriverSim

	cfg.Shutter.Enabled = true
	cfg.Shutter.Address = labjack.Addr()

	cfg.Ammeter.Enabled = true
	cfg.Ammeter.Port = "sim"
	cfg.Ammeter.CommandDelay = 0
	cfg.Ammeter.SettleDelay = 0

	return &Simulation{
		Driver:  driver,
		LabJack: labjack,
		Port:    ammeter.NewSimPort(simCurrentA, simNoiseA),
	}, nil
}

// Options wires the simulated ammeter port into a LifecycleManager.
func (s *Simulation) Options() []Option {
	return []Option{WithAmmeterPort(s.Port.Open)}
}

func (s *Simulation) Close() error {
	return s.LabJack.Close()
}
