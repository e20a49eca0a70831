package calibration

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ZoomEntry is the calibration measured at one zoom position.
type ZoomEntry struct {
	Name     string  `yaml:"name"`
	Position float64 `yaml:"position"`
	X        float64 `yaml:"calib_x"`
	Y        float64 `yaml:"calib_y"`
}

type zoomTableFile struct {
	Entries []ZoomEntry `yaml:"zoom_levels"`
}

// PositionSource is satisfied by the zoom motor.
type PositionSource interface {
	CachedPosition() float64
}

// ZoomTable picks the entry nearest to the zoom axis' current position.
type ZoomTable struct {
	entries []ZoomEntry
	zoom    PositionSource
}

func LoadZoomTable(path string) ([]ZoomEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zoom table: %w", err)
	}

	var file zoomTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse zoom table %s: %w", path, err)
	}
	return file.Entries, nil
}

func NewZoomTable(entries []ZoomEntry, zoom PositionSource) (*ZoomTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("zoom table is empty")
	}
	if zoom == nil {
		return nil, fmt.Errorf("zoom table needs a zoom axis")
	}

	sorted := append([]ZoomEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	for _, e := range sorted {
		if e.X <= 0 || e.Y <= 0 {
			return nil, fmt.Errorf("zoom level %q has invalid calibration (%g, %g)", e.Name, e.X, e.Y)
		}
	}

	return &ZoomTable{entries: sorted, zoom: zoom}, nil
}

func (t *ZoomTable) Entry() ZoomEntry {
	pos := t.zoom.CachedPosition()

	best := t.entries[0]
	for _, e := range t.entries[1:] {
		if math.Abs(e.Position-pos) < math.Abs(best.Position-pos) {
			best = e
		}
	}
	return best
}

func (t *ZoomTable) Calibration(context.Context) (float64, float64, error) {
	e := t.Entry()
	return e.X, e.Y, nil
}

// PredefinedPositions returns the named zoom levels for the zoom motor.
func (t *ZoomTable) PredefinedPositions() map[string]float64 {
	out := make(map[string]float64, len(t.entries))
	for _, e := range t.entries {
		if e.Name != "" {
			out[e.Name] = e.Position
		}
	}
	return out
}
