// Package supervisor models the instrument's phase state machine: which
// physical configuration the diffractometer is in and the commands that
// request a transition.
package supervisor

import (
	"context"
	"strings"

	"github.com/KevinKickass/MiniDiffCore/internal/events"
)

type Phase string

const (
	PhaseTransfer Phase = "Transfer"
	PhaseCollect  Phase = "Collect"
	PhaseBeamView Phase = "BeamView"
	PhaseSample   Phase = "Sample"
	PhaseMoving   Phase = "Moving"
	PhaseUnknown  Phase = "Unknown"
)

// StateMoving is the supervisor state reported while a transition runs.
const StateMoving = "MOVING"

// PhaseCodes maps the supervisor phase register to phase tokens.
var PhaseCodes = map[uint16]string{
	0: string(PhaseUnknown),
	1: string(PhaseSample),
	2: string(PhaseCollect),
	3: string(PhaseTransfer),
	4: string(PhaseBeamView),
	5: string(PhaseMoving),
}

// ParsePhase accepts phase tokens case-insensitively. "Centring" is the
// sample view phase; unrecognized tokens are PhaseUnknown.
func ParsePhase(token string) Phase {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "TRANSFER":
		return PhaseTransfer
	case "COLLECT":
		return PhaseCollect
	case "BEAMVIEW":
		return PhaseBeamView
	case "SAMPLE", "CENTRING":
		return PhaseSample
	case "MOVING":
		return PhaseMoving
	default:
		return PhaseUnknown
	}
}

// IsSampleView reports whether the phase is the sample (centring) view.
func (p Phase) IsSampleView() bool {
	return strings.ToUpper(string(p)) == "SAMPLE"
}

// Supervisor is consumed by the diffractometer. Go* methods only request a
// transition; completion is observed through State and CurrentPhase.
type Supervisor interface {
	CurrentPhase(ctx context.Context) (Phase, error)
	State(ctx context.Context) (string, error)
	GoSampleView(ctx context.Context) error
	GoCollect(ctx context.Context) error
	GoTransfer(ctx context.Context) error
	GoBeamView(ctx context.Context) error
	Subscribe(h events.Handler) func()
}

type StateChanged struct {
	State string `json:"state"`
}

func (StateChanged) Kind() string { return "supervisorStateChanged" }

type PhaseChanged struct {
	Phase Phase `json:"phase"`
}

func (PhaseChanged) Kind() string { return "supervisorPhaseChanged" }
