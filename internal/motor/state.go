package motor

import (
	"strings"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// State is the canonical motor state. The declaration order is significant:
// anything above StateDisabled accepts commands.
type State int

const (
	StateNotInitialized State = iota
	StateUnknown
	StateFault
	StateAlarm
	StateDisabled
	StateOff
	StateLowLimit
	StateHighLimit
	StateReady
	StateMoving
	StateInitializing
)

var stateNames = map[State]string{
	StateNotInitialized: "NOTINITIALIZED",
	StateUnknown:        "UNKNOWN",
	StateFault:          "FAULT",
	StateAlarm:          "ALARM",
	StateDisabled:       "DISABLED",
	StateOff:            "OFF",
	StateLowLimit:       "LOWLIMIT",
	StateHighLimit:      "HIGHLIMIT",
	StateReady:          "READY",
	StateMoving:         "MOVING",
	StateInitializing:   "INITIALIZING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Usable reports whether a motor in this state accepts commands.
func (s State) Usable() bool {
	return s > StateDisabled
}

// vendorStates maps Tango device-state tokens onto canonical states.
var vendorStates = map[string]State{
	"ON":      StateReady,
	"OFF":     StateOff,
	"CLOSE":   StateDisabled,
	"OPEN":    StateDisabled,
	"INSERT":  StateDisabled,
	"EXTRACT": StateDisabled,
	"MOVING":  StateMoving,
	"STANDBY": StateReady,
	"FAULT":   StateFault,
	"INIT":    StateInitializing,
	"RUNNING": StateMoving,
	"ALARM":   StateAlarm,
	"DISABLE": StateDisabled,
	"UNKNOWN": StateUnknown,
}

// NormalizeToken strips the DevState prefix and upper-cases a vendor token.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "DevState.")
	return strings.ToUpper(token)
}

// MapVendorState translates a vendor token. Tokens outside the table are an
// error, never silently Unknown.
func MapVendorState(token string) (State, error) {
	if s, ok := vendorStates[NormalizeToken(token)]; ok {
		return s, nil
	}
	return StateUnknown, &types.UnmappedStateError{Token: token}
}
