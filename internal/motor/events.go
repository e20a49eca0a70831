package motor

type PositionChanged struct {
	Motor    string  `json:"motor"`
	Position float64 `json:"position"`
}

func (PositionChanged) Kind() string { return "positionChanged" }

type StateChanged struct {
	Motor string `json:"motor"`
	State State  `json:"state"`
}

func (StateChanged) Kind() string { return "stateChanged" }

type LimitsChanged struct {
	Motor string  `json:"motor"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

func (LimitsChanged) Kind() string { return "limitsChanged" }

// PredefinedPositionChanged fires when the axis enters or leaves a named
// position. Name is empty when the axis is between named positions.
type PredefinedPositionChanged struct {
	Motor  string  `json:"motor"`
	Name   string  `json:"name"`
	Offset float64 `json:"offset"`
}

func (PredefinedPositionChanged) Kind() string { return "predefinedPositionChanged" }
