package centring

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAxis struct {
	mu    sync.Mutex
	pos   float64
	fail  error
	moves []float64
}

func (a *fakeAxis) CachedPosition() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

func (a *fakeAxis) SyncMove(_ context.Context, target float64, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.pos = target
	a.moves = append(a.moves, target)
	return nil
}

type fakeOptics struct {
	ppm float64
	ref *types.OmegaReference
}

func (o fakeOptics) PixelsPerMm() (float64, float64)       { return o.ppm, o.ppm }
func (o fakeOptics) OmegaReference() *types.OmegaReference { return o.ref }

// sample simulates a crystal offset from the rotation axis.
type sample struct {
	a, b, c, dx float64
	ppm         float64
	beamX       float64
	beamY       float64
	phi         *fakeAxis
}

func (s sample) project() (float64, float64) {
	rad := s.phi.CachedPosition() * math.Pi / 180
	dy := s.a*math.Sin(rad) + s.b*math.Cos(rad) + s.c
	return s.beamX + s.dx*s.ppm, s.beamY + dy*s.ppm
}

func (s sample) Locate(context.Context) (float64, float64, error) {
	x, y := s.project()
	return x, y, nil
}

type failingSource struct{}

func (failingSource) Locate(context.Context) (float64, float64, error) {
	return 0, 0, errors.New("no loop found")
}

func newAxes() map[types.Role]Axis {
	return map[types.Role]Axis{
		types.RolePhi:   &fakeAxis{},
		types.RolePhiY:  &fakeAxis{},
		types.RolePhiZ:  &fakeAxis{pos: 1},
		types.RoleSampX: &fakeAxis{},
		types.RoleSampY: &fakeAxis{},
	}
}

func record(e *Engine) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	e.Subscribe(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func TestFit_RecoversOffsets(t *testing.T) {
	points := []Point{}
	for _, phi := range []float64{0, 90, 180, 270} {
		rad := phi * math.Pi / 180
		dy := 0.1*math.Sin(rad) - 0.05*math.Cos(rad) + 0.02
		points = append(points, Point{Phi: phi, X: 400 + 3, Y: 300 + dy*100})
	}

	corr, err := Fit(points, 100, 100, 400, 300)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, corr.A, 1e-9)
	assert.InDelta(t, -0.05, corr.B, 1e-9)
	assert.InDelta(t, 0.02, corr.C, 1e-9)
	assert.InDelta(t, 0.03, corr.DX, 1e-9)
}

func TestFit_Degenerate(t *testing.T) {
	_, err := Fit([]Point{{Phi: 0}, {Phi: 0}, {Phi: 0}}, 100, 100, 0, 0)
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = Fit([]Point{{Phi: 0}, {Phi: 90}}, 100, 100, 0, 0)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestManualCentring(t *testing.T) {
	axes := newAxes()
	phi := axes[types.RolePhi].(*fakeAxis)
	s := sample{a: 0.1, b: -0.05, c: 0.02, dx: 0.03, ppm: 100, beamX: 400, beamY: 300, phi: phi}

	e := NewEngine(Config{BeamCenterX: 400, BeamCenterY: 300}, axes, fakeOptics{ppm: 100}, zaptest.NewLogger(t))
	got := record(e)
	ctx := context.Background()

	_, err := e.Click(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrInactive)

	id, err := e.StartManual(ctx)
	require.NoError(t, err)
	_, err = e.StartManual(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	for i := 0; i < 3; i++ {
		x, y := s.project()
		done, err := e.Click(ctx, x, y)
		require.NoError(t, err)
		assert.Equal(t, i == 2, done)
	}

	assert.Equal(t, []float64{90, 180}, phi.moves)
	assert.False(t, e.Active())

	result, ok := e.LastResult()
	require.True(t, ok)
	assert.Equal(t, id, result.ID)
	assert.InDelta(t, 0.05, result.Positions[types.RoleSampX], 1e-9)
	assert.InDelta(t, 0.1, result.Positions[types.RoleSampY], 1e-9)
	assert.InDelta(t, -0.03, result.Positions[types.RolePhiY], 1e-9)
	assert.InDelta(t, 0.98, result.Positions[types.RolePhiZ], 1e-9)

	evs := got()
	require.Len(t, evs, 2)
	assert.IsType(t, Started{}, evs[0])
	assert.IsType(t, Successful{}, evs[1])
}

func TestManualCentring_PinsPhizToOmegaReference(t *testing.T) {
	axes := newAxes()
	phi := axes[types.RolePhi].(*fakeAxis)
	s := sample{a: 0.2, b: 0.1, c: 0.5, ppm: 50, phi: phi}

	optics := fakeOptics{ppm: 50, ref: &types.OmegaReference{Position: -0.25}}
	e := NewEngine(Config{}, axes, optics, zaptest.NewLogger(t))

	_, err := e.StartManual(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		x, y := s.project()
		_, err := e.Click(context.Background(), x, y)
		require.NoError(t, err)
	}

	assert.Equal(t, -0.25, axes[types.RolePhiZ].CachedPosition())
}

func TestManualCentring_MoveFailureFails(t *testing.T) {
	axes := newAxes()
	axes[types.RolePhi].(*fakeAxis).fail = &types.TimeoutError{Operation: "phi", Timeout: time.Second}

	e := NewEngine(Config{}, axes, fakeOptics{ppm: 100}, zaptest.NewLogger(t))
	got := record(e)

	_, err := e.StartManual(context.Background())
	require.NoError(t, err)

	_, err = e.Click(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, types.ErrTimeout))
	assert.False(t, e.Active())

	evs := got()
	require.Len(t, evs, 2)
	assert.IsType(t, Failed{}, evs[1])
}

func TestStart_RequiresAxes(t *testing.T) {
	e := NewEngine(Config{}, map[types.Role]Axis{}, fakeOptics{ppm: 100}, zaptest.NewLogger(t))

	_, err := e.StartManual(context.Background())
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestAutoCentring(t *testing.T) {
	axes := newAxes()
	phi := axes[types.RolePhi].(*fakeAxis)
	s := sample{a: -0.02, b: 0.04, c: 0, ppm: 200, beamX: 320, beamY: 240, phi: phi}

	e := NewEngine(Config{BeamCenterX: 320, BeamCenterY: 240}, axes, fakeOptics{ppm: 200}, zaptest.NewLogger(t))
	got := record(e)

	_, err := e.StartAuto(context.Background(), s)
	require.NoError(t, err)
	e.Wait()

	evs := got()
	require.Len(t, evs, 2)
	success, ok := evs[1].(Successful)
	require.True(t, ok)
	assert.Equal(t, ModeAuto, success.Mode)
	assert.InDelta(t, -0.04, success.Positions[types.RoleSampX], 1e-9)
	assert.InDelta(t, -0.02, success.Positions[types.RoleSampY], 1e-9)
}

func TestAutoCentring_LocateFailure(t *testing.T) {
	e := NewEngine(Config{}, newAxes(), fakeOptics{ppm: 100}, zaptest.NewLogger(t))
	got := record(e)

	_, err := e.StartAuto(context.Background(), failingSource{})
	require.NoError(t, err)
	e.Wait()

	evs := got()
	require.Len(t, evs, 2)
	assert.IsType(t, Failed{}, evs[1])
	assert.False(t, e.Active())
}

func TestInvalidate(t *testing.T) {
	e := NewEngine(Config{}, newAxes(), fakeOptics{ppm: 100}, zaptest.NewLogger(t))
	got := record(e)

	e.Invalidate()
	assert.Empty(t, got())

	id, err := e.StartManual(context.Background())
	require.NoError(t, err)
	e.Invalidate()

	assert.False(t, e.Active())
	evs := got()
	require.Len(t, evs, 2)
	assert.Equal(t, Invalidated{ID: id}, evs[1])
}

// blockingAxis holds SyncMove until released.
type blockingAxis struct {
	fakeAxis
	entered chan struct{}
	release chan struct{}
}

func (a *blockingAxis) SyncMove(ctx context.Context, target float64, timeout time.Duration) error {
	close(a.entered)
	<-a.release
	return a.fakeAxis.SyncMove(ctx, target, timeout)
}

func TestManualCentring_InvalidateDuringApply(t *testing.T) {
	axes := newAxes()
	phi := axes[types.RolePhi].(*fakeAxis)
	sampx := &blockingAxis{entered: make(chan struct{}), release: make(chan struct{})}
	axes[types.RoleSampX] = sampx
	s := sample{a: 0.1, b: -0.05, c: 0.02, dx: 0.03, ppm: 100, beamX: 400, beamY: 300, phi: phi}

	e := NewEngine(Config{BeamCenterX: 400, BeamCenterY: 300}, axes, fakeOptics{ppm: 100}, zaptest.NewLogger(t))
	got := record(e)
	ctx := context.Background()

	_, err := e.StartManual(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		x, y := s.project()
		_, err := e.Click(ctx, x, y)
		require.NoError(t, err)
	}

	errc := make(chan error, 1)
	go func() {
		x, y := s.project()
		_, err := e.Click(ctx, x, y)
		errc <- err
	}()

	<-sampx.entered
	e.Invalidate()
	close(sampx.release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrInactive)
	case <-time.After(2 * time.Second):
		t.Fatal("click did not return after invalidation")
	}

	_, ok := e.LastResult()
	assert.False(t, ok)
	assert.False(t, e.Active())

	assert.Empty(t, axes[types.RoleSampY].(*fakeAxis).moves)
	assert.Empty(t, axes[types.RolePhiY].(*fakeAxis).moves)
	assert.Empty(t, axes[types.RolePhiZ].(*fakeAxis).moves)

	evs := got()
	require.Len(t, evs, 2)
	assert.IsType(t, Started{}, evs[0])
	assert.IsType(t, Invalidated{}, evs[1])
}
