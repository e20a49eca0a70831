// Package centring brings a sample onto the rotation axis from clicked or
// located image points taken at several phi angles.
package centring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultClicks       = 3
	DefaultRotationStep = 90.0
	DefaultMoveTimeout  = 30 * time.Second
)

type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

var (
	ErrBusy     = errors.New("centring already in progress")
	ErrInactive = errors.New("no centring in progress")
)

// Axis is the part of a motor the engine drives.
type Axis interface {
	CachedPosition() float64
	SyncMove(ctx context.Context, target float64, timeout time.Duration) error
}

// Optics supplies the image scale and the phiz pin.
type Optics interface {
	PixelsPerMm() (x, y float64)
	OmegaReference() *types.OmegaReference
}

// PointSource locates the sample in the current image, for automatic centring.
type PointSource interface {
	Locate(ctx context.Context) (x, y float64, err error)
}

type Config struct {
	Clicks       int
	RotationStep float64
	BeamCenterX  float64
	BeamCenterY  float64
	MoveTimeout  time.Duration
}

type Result struct {
	ID        uuid.UUID              `json:"id"`
	Mode      Mode                   `json:"mode"`
	Points    []Point                `json:"points"`
	Positions map[types.Role]float64 `json:"positions"`
	Finished  time.Time              `json:"finished"`
}

type session struct {
	id     uuid.UUID
	mode   Mode
	points []Point
	busy   bool
	ctx    context.Context
	cancel context.CancelFunc
}

type Engine struct {
	cfg    Config
	axes   map[types.Role]Axis
	optics Optics
	logger *zap.Logger
	bus    *events.Bus

	mu      sync.Mutex
	current *session
	last    *Result
	wg      sync.WaitGroup
}

func NewEngine(cfg Config, axes map[types.Role]Axis, optics Optics, logger *zap.Logger) *Engine {
	if cfg.Clicks < 3 {
		cfg.Clicks = DefaultClicks
	}
	if cfg.RotationStep == 0 {
		cfg.RotationStep = DefaultRotationStep
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = DefaultMoveTimeout
	}

	return &Engine{
		cfg:    cfg,
		axes:   axes,
		optics: optics,
		logger: logger.Named("centring"),
		bus:    events.NewBus("centring"),
	}
}

func (e *Engine) Events() *events.Bus {
	return e.bus
}

func (e *Engine) Subscribe(h events.Handler) func() {
	return e.bus.Subscribe(h)
}

func (e *Engine) checkAxes() error {
	for _, role := range []types.Role{types.RolePhi, types.RolePhiY, types.RolePhiZ, types.RoleSampX, types.RoleSampY} {
		if e.axes[role] == nil {
			return &types.ConfigurationError{Component: "centring", Role: role, Reason: "axis not bound"}
		}
	}
	return nil
}

func (e *Engine) begin(mode Mode) (*session, error) {
	if err := e.checkAxes(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return nil, ErrBusy
	}
	// The session context outlives the request that opened it and is
	// cancelled by Invalidate.
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{id: uuid.New(), mode: mode, ctx: ctx, cancel: cancel}
	e.current = s
	return s, nil
}

// StartManual opens a click-driven session.
func (e *Engine) StartManual(ctx context.Context) (uuid.UUID, error) {
	s, err := e.begin(ModeManual)
	if err != nil {
		return uuid.Nil, err
	}

	e.logger.Info("Manual centring started", zap.String("id", s.id.String()))
	e.bus.Publish(Started{ID: s.id, Mode: ModeManual})
	return s.id, nil
}

// Click records the sample position at the current phi. Between clicks phi
// rotates by the rotation step; the last click applies the correction.
func (e *Engine) Click(ctx context.Context, x, y float64) (bool, error) {
	e.mu.Lock()
	s := e.current
	if s == nil || s.mode != ModeManual {
		e.mu.Unlock()
		return false, ErrInactive
	}
	if s.busy {
		e.mu.Unlock()
		return false, ErrBusy
	}
	s.busy = true
	e.mu.Unlock()

	clickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	done, err := e.addPoint(clickCtx, s, x, y)

	e.mu.Lock()
	s.busy = false
	e.mu.Unlock()

	return done, err
}

// StartAuto runs a session in the background, asking src for every point.
func (e *Engine) StartAuto(ctx context.Context, src PointSource) (uuid.UUID, error) {
	if src == nil {
		return uuid.Nil, &types.ConfigurationError{Component: "centring", Reason: "no point source for automatic centring"}
	}

	s, err := e.begin(ModeAuto)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx := s.ctx
	e.mu.Lock()
	s.busy = true
	e.mu.Unlock()

	e.logger.Info("Automatic centring started", zap.String("id", s.id.String()))
	e.bus.Publish(Started{ID: s.id, Mode: ModeAuto})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer s.cancel()

		for {
			x, y, err := src.Locate(runCtx)
			if err != nil {
				e.fail(s, fmt.Errorf("locate sample: %w", err))
				return
			}
			done, err := e.addPoint(runCtx, s, x, y)
			if done || err != nil {
				return
			}
		}
	}()

	return s.id, nil
}

func (e *Engine) addPoint(ctx context.Context, s *session, x, y float64) (bool, error) {
	phi := e.axes[types.RolePhi]

	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return false, ErrInactive
	}
	s.points = append(s.points, Point{Phi: phi.CachedPosition(), X: x, Y: y})
	n := len(s.points)
	e.mu.Unlock()

	e.logger.Debug("Centring point", zap.Int("index", n), zap.Float64("x", x), zap.Float64("y", y))

	if n < e.cfg.Clicks {
		target := phi.CachedPosition() + e.cfg.RotationStep
		if err := phi.SyncMove(ctx, target, e.cfg.MoveTimeout); err != nil {
			if !e.owns(s) {
				return false, ErrInactive
			}
			err = fmt.Errorf("rotate phi: %w", err)
			e.fail(s, err)
			return false, err
		}
		return false, nil
	}

	result, err := e.apply(ctx, s)
	if err != nil {
		if !e.owns(s) {
			return false, ErrInactive
		}
		e.fail(s, err)
		return true, err
	}

	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return false, ErrInactive
	}
	e.current = nil
	e.last = result
	e.mu.Unlock()
	s.cancel()

	e.logger.Info("Centring successful", zap.String("id", s.id.String()), zap.Any("positions", result.Positions))
	e.bus.Publish(Successful{ID: s.id, Mode: s.mode, Positions: result.Positions})
	return true, nil
}

func (e *Engine) apply(ctx context.Context, s *session) (*Result, error) {
	ppmX, ppmY := e.optics.PixelsPerMm()

	e.mu.Lock()
	points := append([]Point(nil), s.points...)
	e.mu.Unlock()

	corr, err := Fit(points, ppmX, ppmY, e.cfg.BeamCenterX, e.cfg.BeamCenterY)
	if err != nil {
		return nil, err
	}

	targets := map[types.Role]float64{
		types.RoleSampX: e.axes[types.RoleSampX].CachedPosition() - corr.B,
		types.RoleSampY: e.axes[types.RoleSampY].CachedPosition() + corr.A,
		types.RolePhiY:  e.axes[types.RolePhiY].CachedPosition() - corr.DX,
	}
	if ref := e.optics.OmegaReference(); ref != nil {
		targets[types.RolePhiZ] = ref.Position
	} else {
		targets[types.RolePhiZ] = e.axes[types.RolePhiZ].CachedPosition() - corr.C
	}

	for _, role := range []types.Role{types.RoleSampX, types.RoleSampY, types.RolePhiY, types.RolePhiZ} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.axes[role].SyncMove(ctx, targets[role], e.cfg.MoveTimeout); err != nil {
			return nil, fmt.Errorf("move %s: %w", role, err)
		}
	}

	positions := make(map[types.Role]float64, len(targets)+1)
	for role, v := range targets {
		positions[role] = v
	}
	positions[types.RolePhi] = e.axes[types.RolePhi].CachedPosition()

	return &Result{
		ID:        s.id,
		Mode:      s.mode,
		Points:    points,
		Positions: positions,
		Finished:  time.Now(),
	}, nil
}

func (e *Engine) fail(s *session, err error) {
	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()
	s.cancel()

	e.logger.Warn("Centring failed", zap.String("id", s.id.String()), zap.Error(err))
	e.bus.Publish(Failed{ID: s.id, Mode: s.mode, Reason: err.Error()})
}

// Invalidate aborts the running session and forgets the last result.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	s := e.current
	hadResult := e.last != nil
	e.current = nil
	e.last = nil
	e.mu.Unlock()

	if s != nil {
		s.cancel()
	}
	if s == nil && !hadResult {
		return
	}

	id := uuid.Nil
	if s != nil {
		id = s.id
	}
	e.logger.Info("Centring invalidated", zap.String("id", id.String()))
	e.bus.Publish(Invalidated{ID: id})
}

// owns reports whether s is still the running session.
func (e *Engine) owns(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current == s
}

func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// Wait blocks until background sessions have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
