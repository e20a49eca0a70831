package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// SampleOffset is where the crystal sits in motor coordinates: the axis
// positions at which it is centred on the rotation axis and in the beam.
type SampleOffset struct {
	PhiY  float64
	PhiZ  float64
	SampX float64
	SampY float64
}

// DefaultSampleOffset puts the crystal slightly off axis so that a
// centring run has something to correct.
var DefaultSampleOffset = SampleOffset{PhiY: 0.05, SampX: 0.12, SampY: -0.08}

type positioner interface {
	CachedPosition() float64
}

type scaler interface {
	PixelsPerMm() (x, y float64)
}

// Sample projects a simulated crystal into image pixels from the current
// axis positions. It locates the sample for automatic centring.
type Sample struct {
	offset SampleOffset
	axes   map[types.Role]positioner
	optics scaler
	beamX  float64
	beamY  float64
}

func NewSample[P positioner](offset SampleOffset, axes map[types.Role]P, optics scaler, beamX, beamY float64) (*Sample, error) {
	s := &Sample{
		offset: offset,
		axes:   make(map[types.Role]positioner, len(axes)),
		optics: optics,
		beamX:  beamX,
		beamY:  beamY,
	}
	for _, role := range []types.Role{types.RolePhi, types.RolePhiY, types.RolePhiZ, types.RoleSampX, types.RoleSampY} {
		a, ok := axes[role]
		if !ok {
			return nil, fmt.Errorf("simulated sample needs axis %s", role)
		}
		s.axes[role] = a
	}
	return s, nil
}

func (s *Sample) pos(role types.Role) float64 {
	return s.axes[role].CachedPosition()
}

// Locate returns the crystal position in the image.
func (s *Sample) Locate(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	ppmX, ppmY := s.optics.PixelsPerMm()
	if ppmX <= 0 || ppmY <= 0 {
		return 0, 0, fmt.Errorf("pixels per mm not calibrated")
	}

	rad := s.pos(types.RolePhi) * math.Pi / 180
	a := s.offset.SampY - s.pos(types.RoleSampY)
	b := s.pos(types.RoleSampX) - s.offset.SampX
	c := s.pos(types.RolePhiZ) - s.offset.PhiZ
	dy := a*math.Sin(rad) + b*math.Cos(rad) + c
	dx := s.pos(types.RolePhiY) - s.offset.PhiY

	return s.beamX + dx*ppmX, s.beamY + dy*ppmY, nil
}
