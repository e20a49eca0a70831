package diffractometer

import (
	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

type PixelsPerMmChanged struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (PixelsPerMmChanged) Kind() string { return "pixelsPerMmChanged" }

// MotorMoved is republished for phi, kappa and kappa_phi only.
type MotorMoved struct {
	Motor    types.Role `json:"motor"`
	Position float64    `json:"position"`
}

func (e MotorMoved) Kind() string { return string(e.Motor) + "MotorMoved" }

type StateChanged struct {
	Motor types.Role  `json:"motor"`
	State motor.State `json:"state"`
}

func (StateChanged) Kind() string { return "stateChanged" }

type LimitsChanged struct {
	Motor types.Role `json:"motor"`
	Lower float64    `json:"lower"`
	Upper float64    `json:"upper"`
}

func (LimitsChanged) Kind() string { return "limitsChanged" }

type ZoomPredefinedPositionChanged struct {
	Name   string  `json:"name"`
	Offset float64 `json:"offset"`
}

func (ZoomPredefinedPositionChanged) Kind() string { return "zoomMotorPredefinedPositionChanged" }

type MinidiffStateChanged struct {
	State string `json:"state"`
}

func (MinidiffStateChanged) Kind() string { return "minidiffStateChanged" }

type MinidiffPhaseChanged struct {
	Phase supervisor.Phase `json:"phase"`
}

func (MinidiffPhaseChanged) Kind() string { return "minidiffPhaseChanged" }
