package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/api/rest"
	"github.com/KevinKickass/MiniDiffCore/internal/api/rpc"
	"github.com/KevinKickass/MiniDiffCore/internal/api/websocket"
	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/devices"
	"github.com/KevinKickass/MiniDiffCore/internal/diffractometer"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	simTick         = 20 * time.Millisecond
	serverStopGrace = 5 * time.Second
)

type LifecycleManager struct {
	config        *config.Config
	storage       LimitStore
	deviceManager *devices.Manager
	authService   *auth.AuthService
	wsHub         *websocket.Hub
	logger        *zap.Logger

	instrument *Instrument
	mux        *events.Mux
	limits     *limitsRecorder

	restServer *rest.Server
	grpcServer *grpc.Server

	background     sync.WaitGroup
	stopBackground context.CancelFunc
	stopLimits     chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager prepares the services. A nil storage keeps limits in
// memory only; nil credentials leave only signed tokens usable.
func NewLifecycleManager(storage LimitStore, credentials auth.CredentialStore, cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	lm := &LifecycleManager{
		config:        cfg,
		storage:       storage,
		deviceManager: devices.NewManager(logger),
		authService:   auth.NewAuthService(cfg.Auth, credentials, logger),
		logger:        logger,
		currentState:  StateInitializing,
		shutdownChan:  make(chan struct{}),
	}
	lm.wsHub = websocket.NewHub(logger, lm.authService, lm)
	return lm
}

// Start builds the instrument and starts the pollers and the API servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting MiniDiffCore",
		zap.String("profile", lm.config.Instrument.Profile))

	if err := lm.loadInstrument(ctx); err != nil {
		lm.setError(err)
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	lm.stopBackground = cancel
	lm.goBackground(func() { lm.wsHub.Run(bgCtx) })
	lm.goBackground(func() { lm.wsHub.Forward(bgCtx, lm.mux) })

	if err := lm.deviceManager.StartPollers(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start pollers: %w", err)
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.String("instrument", lm.instrument.Profile.Instrument.ID),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("auth_enabled", lm.authService.Enabled()),
		zap.Bool("limits_persisted", lm.storage != nil))

	return nil
}

func (lm *LifecycleManager) loadInstrument(ctx context.Context) error {
	loader, err := devices.NewProfileLoader(lm.config.Instrument.SearchPaths)
	if err != nil {
		return err
	}

	profile, err := loader.Load(lm.config.Instrument.Profile)
	if err != nil {
		return fmt.Errorf("failed to load instrument profile: %w", err)
	}

	if err := lm.deviceManager.LoadProfile(ctx, profile); err != nil {
		return err
	}

	opts := InstrumentOptions{
		PollInterval:  lm.config.Motion.PollInterval,
		SimTick:       simTick,
		SimTransition: lm.config.Motion.SimTransition,
		PhaseTimeout:  lm.config.Motion.PhaseTimeout,
		MoveTimeout:   lm.config.Motion.DefaultMoveTimeout,
	}
	if lm.storage != nil {
		stored, err := lm.storage.LoadMotorLimits(ctx)
		if err != nil {
			lm.logger.Warn("Stored motor limits unavailable, using profile limits", zap.Error(err))
		} else {
			opts.Limits = stored
		}
	}

	inst, err := BuildInstrument(ctx, profile, lm.deviceManager, opts, lm.logger)
	if err != nil {
		return err
	}
	lm.instrument = inst

	lm.mux = events.NewMux(inst.Diffractometer.Events(), inst.Centring.Events())
	if inst.Supervisor != nil {
		lm.mux.Add(inst.Supervisor.Events())
	}

	if lm.storage != nil {
		lm.limits = newLimitsRecorder(lm.storage, lm.logger)
		lm.stopLimits = make(chan struct{})
		inst.Diffractometer.Subscribe(lm.limits.handle)
		go lm.limits.run(lm.stopLimits)
	}

	lm.logger.Info("Instrument ready",
		zap.String("instrument", profile.Instrument.ID),
		zap.String("beamline", profile.Instrument.Beamline),
		zap.Int("motors", len(inst.Motors)),
		zap.Bool("auto_centring", inst.PointSource != nil))
	return nil
}

func (lm *LifecycleManager) goBackground(fn func()) {
	lm.background.Add(1)
	go func() {
		defer lm.background.Done()
		fn()
	}()
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// Ends the websocket clients, which the HTTP server does not track.
	if lm.stopBackground != nil {
		lm.stopBackground()
	}

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, serverStopGrace)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.stopGRPCServer(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		lm.background.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	if lm.instrument != nil {
		lm.instrument.Close()
	}
	if lm.limits != nil {
		close(lm.stopLimits)
		<-lm.limits.done
	}
	if stopErr := lm.deviceManager.StopAll(ctx); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("device manager stop failed: %w", stopErr))
	}

	// Servers still stopping after a timeout may report later; errChan is
	// buffered for them.
drain:
	for {
		select {
		case e := <-errChan:
			err = errors.Join(err, e)
		default:
			break drain
		}
	}

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

// stopGRPCServer lets event streams drain for a grace period, then cuts them.
func (lm *LifecycleManager) stopGRPCServer(ctx context.Context) {
	lm.logger.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		lm.grpcServer.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(serverStopGrace)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		lm.grpcServer.Stop()
	case <-ctx.Done():
		lm.grpcServer.Stop()
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = rpc.NewServer(lm, lm.authService, lm.logger)

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

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Profile() *types.InstrumentProfile {
	if lm.instrument == nil {
		return nil
	}
	return lm.instrument.Profile
}

func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

func (lm *LifecycleManager) Diffractometer() *diffractometer.Diffractometer {
	if lm.instrument == nil {
		return nil
	}
	return lm.instrument.Diffractometer
}

func (lm *LifecycleManager) Centring() *centring.Engine {
	if lm.instrument == nil {
		return nil
	}
	return lm.instrument.Centring
}

func (lm *LifecycleManager) PointSource() centring.PointSource {
	if lm.instrument == nil {
		return nil
	}
	return lm.instrument.PointSource
}

func (lm *LifecycleManager) Events() *events.Mux {
	return lm.mux
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	devices := lm.deviceManager.ListDevices()
	connected := 0
	for _, d := range devices {
		if d.Client != nil && d.Client.Connected() {
			connected++
		}
	}

	status := interfaces.SystemStatus{
		State:            state.String(),
		DeviceCount:      len(devices),
		ConnectedDevices: connected,
		Timestamp:        time.Now().Unix(),
	}

	if inst := lm.instrument; inst != nil {
		status.Instrument = inst.Profile.Instrument.ID
		status.Phase = string(inst.Diffractometer.CurrentPhase())
		status.MinidiffState = inst.Diffractometer.CurrentState()
		status.CentringActive = inst.Centring.Active()
	}
	return status
}
