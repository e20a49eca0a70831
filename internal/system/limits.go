package system

import (
	"context"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/diffractometer"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

const limitsWriteTimeout = 5 * time.Second

// LimitStore persists operator-set motor limits.
type LimitStore interface {
	LoadMotorLimits(ctx context.Context) (map[types.Role]storage.MotorLimits, error)
	SaveMotorLimits(ctx context.Context, role types.Role, lower, upper float64) error
}

// limitsRecorder writes every limitsChanged event of the diffractometer to
// the store, one write at a time and in order.
type limitsRecorder struct {
	store   LimitStore
	logger  *zap.Logger
	pending chan diffractometer.LimitsChanged
	done    chan struct{}
}

func newLimitsRecorder(store LimitStore, logger *zap.Logger) *limitsRecorder {
	return &limitsRecorder{
		store:   store,
		logger:  logger.Named("limits"),
		pending: make(chan diffractometer.LimitsChanged, 64),
		done:    make(chan struct{}),
	}
}

// handle runs on the publisher's goroutine and must not block.
func (r *limitsRecorder) handle(e events.Event) {
	change, ok := e.(diffractometer.LimitsChanged)
	if !ok {
		return
	}

	select {
	case r.pending <- change:
	default:
		r.logger.Warn("Limits write queue full, change not persisted",
			zap.String("role", string(change.Motor)))
	}
}

// run drains the queue until stop is closed, then flushes what is left.
func (r *limitsRecorder) run(stop <-chan struct{}) {
	defer close(r.done)
	for {
		select {
		case change := <-r.pending:
			r.save(change)
		case <-stop:
			for {
				select {
				case change := <-r.pending:
					r.save(change)
				default:
					return
				}
			}
		}
	}
}

func (r *limitsRecorder) save(change diffractometer.LimitsChanged) {
	ctx, cancel := context.WithTimeout(context.Background(), limitsWriteTimeout)
	defer cancel()

	if err := r.store.SaveMotorLimits(ctx, change.Motor, change.Lower, change.Upper); err != nil {
		r.logger.Error("Failed to persist motor limits",
			zap.String("role", string(change.Motor)),
			zap.Error(err))
		return
	}
	r.logger.Info("Motor limits persisted",
		zap.String("role", string(change.Motor)),
		zap.Float64("lower", change.Lower),
		zap.Float64("upper", change.Upper))
}
