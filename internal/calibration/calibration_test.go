package calibration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPosition float64

func (p fixedPosition) CachedPosition() float64 { return float64(p) }

func TestFromCalibY_UsesYForBothAxes(t *testing.T) {
	x, y, err := FromCalibY(2.0, 4.0)
	require.NoError(t, err)
	assert.Equal(t, 250.0, x)
	assert.Equal(t, 250.0, y)

	_, _, err = FromCalibY(2.0, 0)
	assert.Error(t, err)
}

func TestPerAxis(t *testing.T) {
	x, y, err := PerAxis(2.0, 4.0)
	require.NoError(t, err)
	assert.Equal(t, 500.0, x)
	assert.Equal(t, 250.0, y)
}

func TestPixelSizeFor(t *testing.T) {
	_, err := PixelSizeFor("")
	require.NoError(t, err)
	_, err = PixelSizeFor("per_axis")
	require.NoError(t, err)
	_, err = PixelSizeFor("diagonal")
	assert.Error(t, err)
}

func TestZoomTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zoom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
zoom_levels:
  - {name: "Zoom 4", position: 4, calib_x: 0.8, calib_y: 0.9}
  - {name: "Zoom 1", position: 1, calib_x: 2.5, calib_y: 2.6}
  - {name: "Zoom 2", position: 2, calib_x: 1.6, calib_y: 1.7}
`), 0o644))

	entries, err := LoadZoomTable(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	zoom := fixedPosition(2.2)
	table, err := NewZoomTable(entries, zoom)
	require.NoError(t, err)

	x, y, err := table.Calibration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.6, x)
	assert.Equal(t, 1.7, y)

	table.zoom = fixedPosition(3.6)
	assert.Equal(t, "Zoom 4", table.Entry().Name)

	assert.Equal(t, map[string]float64{"Zoom 1": 1, "Zoom 2": 2, "Zoom 4": 4}, table.PredefinedPositions())
}

func TestNewZoomTable_RejectsInvalid(t *testing.T) {
	_, err := NewZoomTable(nil, fixedPosition(0))
	assert.Error(t, err)

	_, err = NewZoomTable([]ZoomEntry{{Name: "bad", Position: 1}}, fixedPosition(0))
	assert.Error(t, err)
}
