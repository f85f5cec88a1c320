package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLabRig/internal/ammeter"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/rack"
	"github.com/KevinKickass/OpenLabRig/internal/shutter"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	WheelCount       int    `json:"wheel_count"`
	OnlineWheels     int    `json:"online_wheels"`
	ConnectedDevices int    `json:"connected_devices"`
	ShutterEnabled   bool   `json:"shutter_enabled"`
	AmmeterEnabled   bool   `json:"ammeter_enabled"`
}

// LabStatus is the aggregated view of the whole rig. CurrentA is nil when
// no ammeter is connected or the reading failed.
type LabStatus struct {
	State    string                  `json:"state"`
	Wheels   map[string]wheel.Status `json:"wheels"`
	Online   []string                `json:"online_wheels"`
	Offline  []string                `json:"offline_wheels"`
	Index    rack.IndexInfo          `json:"index"`
	Shutter  *shutter.Status         `json:"shutter"`
	Ammeter  *ammeter.Status         `json:"ammeter"`
	CurrentA *float64                `json:"ammeter_a"`
}

// LifecycleManager is what the API layers need from the running system.
// Shutter and Ammeter return nil when the instrument is not configured.
type LifecycleManager interface {
	Config() *config.Config
	Rack() *rack.Rack
	Shutter() *shutter.LabJack
	Ammeter() *ammeter.Picoammeter
	GetCurrentStatus() SystemStatus
	LabStatus(ctx context.Context) LabStatus
	Rescan(ctx context.Context) (bool, error)
	Shutdown(ctx context.Context) error
}
