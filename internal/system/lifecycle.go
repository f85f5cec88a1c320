// Package system owns the running lab server: it builds the rig from the
// rig document, connects the instruments and runs the API servers.
package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/ammeter"
	"github.com/KevinKickass/OpenLabRig/internal/api/rest"
	"github.com/KevinKickass/OpenLabRig/internal/api/rpc"
	"github.com/KevinKickass/OpenLabRig/internal/api/websocket"
	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/interfaces"
	"github.com/KevinKickass/OpenLabRig/internal/metrics"
	"github.com/KevinKickass/OpenLabRig/internal/rack"
	"github.com/KevinKickass/OpenLabRig/internal/shutter"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type Option func(*LifecycleManager)

// WithAmmeterPort replaces how the ammeter serial port is opened.
func WithAmmeterPort(open ammeter.OpenFunc) Option {
	return func(lm *LifecycleManager) {
		lm.ammeterOpen = open
	}
}

// WithoutServers builds the rig without starting the HTTP and gRPC
// listeners.
func WithoutServers() Option {
	return func(lm *LifecycleManager) {
		lm.serve = false
	}
}

type LifecycleManager struct {
	config *config.Config
	doc    *types.RigDocument
	driver wheel.Driver
	logger *zap.Logger

	ammeterOpen ammeter.OpenFunc
	serve       bool

	rack    *rack.Rack
	monitor *rack.Monitor
	shutter *shutter.LabJack
	ammeter *ammeter.Picoammeter

	authService *auth.Service
	wsHub       *websocket.Hub
	events      *rpc.EventStreamer
	restServer  *rest.Server
	grpcServer  *grpc.Server
	grpcAddr    net.Addr

	// rescanMu keeps RUNNING -> RESCANNING -> RUNNING from interleaving.
	rescanMu sync.Mutex

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	stopStatus   chan struct{}
	statusWG     sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, doc *types.RigDocument, driver wheel.Driver, logger *zap.Logger, opts ...Option) *LifecycleManager {
	lm := &LifecycleManager{
		config:          cfg,
		doc:             doc,
		driver:          driver,
		logger:          logger,
		serve:           true,
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
		stopStatus:      make(chan struct{}),
		statusListeners: make([]chan SystemStatus, 0),
	}
	for _, opt := range opts {
		opt(lm)
	}

	metrics.RegisterMetrics()
	lm.authService = auth.NewService(cfg.Auth, logger)
	lm.wsHub = websocket.NewHub(logger, lm.authService)
	lm.wsHub.SetStatusProvider(func() any {
		return lm.GetCurrentStatus()
	})
	lm.events = rpc.NewEventStreamer()

	return lm
}

// Start builds the rig and starts all services.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenLabRig",
		zap.Int("wheels", len(lm.doc.Wheels)),
		zap.String("driver", lm.config.Rig.Driver))

	lm.broadcastStatus()
	go lm.wsHub.Run()
	lm.forwardStatus()

	if err := lm.buildRack(ctx); err != nil {
		lm.setError(fmt.Errorf("failed to build rack: %w", err))
		return err
	}

	lm.startShutter(ctx)
	lm.startAmmeter(ctx)

	lm.monitor = rack.NewMonitor(lm.rack, lm.config.Rig.RescanInterval, lm.logger)
	if err := lm.monitor.Start(); err != nil {
		lm.setError(err)
		return err
	}

	if lm.serve {
		if err := lm.startGRPCServer(); err != nil {
			lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
			return err
		}

		if err := lm.startRESTServer(); err != nil {
			lm.setError(fmt.Errorf("failed to start REST API: %w", err))
			return err
		}
	}

	if err := lm.transition(StateRunning); err != nil {
		return err
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Strings("online_wheels", lm.rack.Online()),
		zap.Strings("offline_wheels", lm.rack.Offline()))

	return nil
}

func (lm *LifecycleManager) buildRack(ctx context.Context) error {
	connectCtx := ctx
	if lm.config.Rig.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, lm.config.Rig.ConnectTimeout)
		defer cancel()
	}

	rk, err := rack.FromDocument(connectCtx, lm.doc, lm.driver, lm.logger, rack.WithEventSink(lm.publishRackEvent))
	if err != nil {
		return err
	}
	lm.rack = rk
	return nil
}

func (lm *LifecycleManager) publishRackEvent(ev rack.Event) {
	lm.wsHub.Broadcast(websocket.NewEventMessage(websocket.MessageType(ev.Type), ev.Timestamp, ev.Data))
	lm.events.Publish(string(ev.Type), ev.Timestamp, ev.Data)
}

// startShutter connects the shutter if configured. A failed connection
// leaves the shutter in place so later requests report not connected.
func (lm *LifecycleManager) startShutter(ctx context.Context) {
	if !lm.config.Shutter.Enabled {
		return
	}

	sh, err := shutter.NewLabJack(lm.config.Shutter.Config, lm.logger)
	if err != nil {
		lm.logger.Warn("Shutter disabled", zap.Error(err))
		return
	}
	sh.OnChange(func(st shutter.Status) {
		lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeShutterChanged, st))
		lm.events.Publish(string(websocket.MessageTypeShutterChanged), time.Now(), st)
	})
	if err := sh.Connect(ctx); err != nil {
		lm.logger.Warn("Shutter not available", zap.String("address", lm.config.Shutter.Address), zap.Error(err))
	}
	lm.shutter = sh
}

// startAmmeter mirrors startShutter: the server starts without it.
func (lm *LifecycleManager) startAmmeter(ctx context.Context) {
	if !lm.config.Ammeter.Enabled {
		return
	}

	am := ammeter.New(lm.config.Ammeter.Config, lm.logger)
	if lm.ammeterOpen != nil {
		am.WithOpenFunc(lm.ammeterOpen)
	}
	if err := am.Connect(ctx); err != nil {
		lm.logger.Warn("Ammeter not available", zap.String("port", lm.config.Ammeter.Port), zap.Error(err))
	}
	lm.ammeter = am
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(rpc.AuthInterceptor(lm.authService)),
		grpc.StreamInterceptor(rpc.StreamAuthInterceptor(lm.authService)),
	)
	rpc.RegisterLabRigServer(lm.grpcServer, rpc.NewService(lm, lm.events, lm.logger))
	lm.grpcAddr = lis.Addr()

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("service", rpc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// forwardStatus relays state changes to websocket clients and, when
// configured, repeats the current status periodically.
func (lm *LifecycleManager) forwardStatus() {
	ch := lm.SubscribeStatus()
	interval := lm.config.Server.StatusInterval

	lm.statusWG.Add(1)
	go func() {
		defer lm.statusWG.Done()
		defer lm.UnsubscribeStatus(ch)

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ch:
				st := lm.GetCurrentStatus()
				lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, st))
				lm.events.Publish(string(websocket.MessageTypeSystemStatus), time.Now(), st)
			case <-tick:
				lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
			case <-lm.stopStatus:
				return
			}
		}
	}()
}

// Rescan reconnects offline wheels and rebuilds the filter indices.
// Concurrent calls run one after another.
func (lm *LifecycleManager) Rescan(ctx context.Context) (bool, error) {
	if lm.rack == nil {
		return false, fmt.Errorf("rack: %w", devices.ErrNotConfigured)
	}

	lm.rescanMu.Lock()
	defer lm.rescanMu.Unlock()

	if err := lm.transition(StateRescanning); err != nil {
		return false, err
	}

	changed, err := lm.rack.Refresh(ctx)

	if terr := lm.transition(StateRunning); terr != nil {
		lm.logger.Warn("Rescan finished in unexpected state", zap.Error(terr))
	}
	if err != nil {
		return false, fmt.Errorf("rescan failed: %w", err)
	}
	return changed, nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)
		lm.closeInstruments(ctx)

		lm.setState(StateStopped)
		lm.broadcastStatus()

		close(lm.stopStatus)
		lm.statusWG.Wait()
		lm.wsHub.Stop()

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	if lm.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.monitor.Stop()
		}()
	}

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// GracefulStop waits for open event streams
	lm.events.Close()

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}

	close(errChan)
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	lm.logger.Info("Graceful shutdown completed")
	return nil
}

// closeInstruments leaves the beam blocked and releases every device.
func (lm *LifecycleManager) closeInstruments(ctx context.Context) {
	if lm.shutter != nil {
		if lm.shutter.IsConnected() {
			if err := lm.shutter.Close(ctx); err != nil {
				lm.logger.Warn("Failed to close shutter", zap.Error(err))
			}
		}
		if err := lm.shutter.Disconnect(); err != nil {
			lm.logger.Warn("Failed to disconnect shutter", zap.Error(err))
		}
	}

	if lm.ammeter != nil {
		if err := lm.ammeter.Disconnect(); err != nil {
			lm.logger.Warn("Failed to disconnect ammeter", zap.Error(err))
		}
	}

	if lm.rack != nil {
		if err := lm.rack.Close(); err != nil {
			lm.logger.Warn("Failed to close rack", zap.Error(err))
		}
	}
}

// Events returns the streamer behind the WatchEvents RPC.
func (lm *LifecycleManager) Events() *rpc.EventStreamer {
	return lm.events
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) transition(to SystemState) error {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, to); err != nil {
		lm.stateMu.Unlock()
		return err
	}
	lm.currentState = to
	lm.stateMu.Unlock()

	lm.broadcastStatus()
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastError = err.Error()
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:          lm.State().String(),
		ShutterEnabled: lm.shutter != nil,
		AmmeterEnabled: lm.ammeter != nil,
	}
	if lm.rack == nil {
		return status
	}

	var devs []devices.Device
	for _, key := range lm.rack.ListWheels() {
		w, _ := lm.rack.Wheel(key)
		devs = append(devs, w)
	}
	status.WheelCount = len(devs)
	status.OnlineWheels = len(lm.rack.Online())

	if lm.shutter != nil {
		devs = append(devs, lm.shutter)
	}
	if lm.ammeter != nil {
		devs = append(devs, lm.ammeter)
	}
	status.ConnectedDevices = devices.CountConnected(devs)

	return status
}

// LabStatus aggregates wheels, shutter, ammeter and index state. It takes
// one live ammeter reading when the ammeter is connected.
func (lm *LifecycleManager) LabStatus(ctx context.Context) interfaces.LabStatus {
	status := interfaces.LabStatus{
		State: lm.State().String(),
	}

	if lm.rack != nil {
		info := lm.rack.IndexInfo()
		status.Wheels = lm.rack.Status()
		status.Online = info.Online
		status.Offline = info.Offline
		status.Index = info
	}

	if lm.shutter != nil {
		st := lm.shutter.Status()
		status.Shutter = &st
	}

	if lm.ammeter != nil {
		if lm.ammeter.IsConnected() {
			if cur, err := lm.ammeter.ReadCurrent(ctx); err == nil {
				status.CurrentA = &cur
			} else {
				lm.logger.Debug("Ammeter reading for status failed", zap.Error(err))
			}
		}
		st := lm.ammeter.Status()
		status.Ammeter = &st
	}

	return status
}

func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.currentState == StateError {
		status.Error = lm.lastError
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Rack() *rack.Rack {
	return lm.rack
}

func (lm *LifecycleManager) Shutter() *shutter.LabJack {
	return lm.shutter
}

func (lm *LifecycleManager) Ammeter() *ammeter.Picoammeter {
	return lm.ammeter
}

func (lm *LifecycleManager) AuthService() *auth.Service {
	return lm.authService
}

func (lm *LifecycleManager) Hub() *websocket.Hub {
	return lm.wsHub
}

// GRPCAddr is the bound gRPC address, nil before Start.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	return lm.grpcAddr
}
