// Package calibration supplies the camera calibration the diffractometer
// derives its pixels-per-millimetre from.
package calibration

import (
	"context"
	"fmt"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// Source returns the calibration in micrometres per pixel.
type Source interface {
	Calibration(ctx context.Context) (x, y float64, err error)
}

type Static struct {
	X float64
	Y float64
}

func (s Static) Calibration(context.Context) (float64, float64, error) {
	return s.X, s.Y, nil
}

// PixelSize converts a calibration into pixels per millimetre.
type PixelSize func(calibX, calibY float64) (x, y float64, err error)

// FromCalibY derives both axes from calibY.
func FromCalibY(_, calibY float64) (float64, float64, error) {
	if calibY <= 0 {
		return 0, 0, fmt.Errorf("invalid calibration y %g", calibY)
	}
	ppm := 1000.0 / calibY
	return ppm, ppm, nil
}

// PerAxis derives each axis from its own calibration value.
func PerAxis(calibX, calibY float64) (float64, float64, error) {
	if calibX <= 0 || calibY <= 0 {
		return 0, 0, fmt.Errorf("invalid calibration (%g, %g)", calibX, calibY)
	}
	return 1000.0 / calibX, 1000.0 / calibY, nil
}

// PixelSizeFor resolves a profile pixel_size_mode. The empty mode is FromCalibY.
func PixelSizeFor(mode string) (PixelSize, error) {
	switch mode {
	case "", types.PixelSizeFromCalibY:
		return FromCalibY, nil
	case types.PixelSizePerAxis:
		return PerAxis, nil
	default:
		return nil, fmt.Errorf("unknown pixel size mode %q", mode)
	}
}
