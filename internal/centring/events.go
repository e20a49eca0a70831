package centring

import (
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/google/uuid"
)

type Started struct {
	ID   uuid.UUID `json:"id"`
	Mode Mode      `json:"mode"`
}

func (Started) Kind() string { return "centringStarted" }

type Successful struct {
	ID        uuid.UUID              `json:"id"`
	Mode      Mode                   `json:"mode"`
	Positions map[types.Role]float64 `json:"positions"`
}

func (Successful) Kind() string { return "centringSuccessful" }

type Failed struct {
	ID     uuid.UUID `json:"id"`
	Mode   Mode      `json:"mode"`
	Reason string    `json:"reason"`
}

func (Failed) Kind() string { return "centringFailed" }

type Invalidated struct {
	ID uuid.UUID `json:"id"`
}

func (Invalidated) Kind() string { return "centringInvalidated" }
