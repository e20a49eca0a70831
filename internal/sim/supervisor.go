package sim

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/supervisor"
	"go.uber.org/zap"
)

const DefaultTransition = 500 * time.Millisecond

// Supervisor reports MOVING for the transition time after a phase request,
// then settles in the requested phase.
type Supervisor struct {
	transition time.Duration
	logger     *zap.Logger

	Phase *channel.Memory[string]
	State *channel.Memory[string]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(initial supervisor.Phase, transition time.Duration, logger *zap.Logger) *Supervisor {
	if initial == "" {
		initial = supervisor.PhaseTransfer
	}
	if transition <= 0 {
		transition = DefaultTransition
	}

	return &Supervisor{
		transition: transition,
		logger:     logger.Named("sim_supervisor"),
		Phase:      channel.NewMemoryWith("supervisor.phase", string(initial)),
		State:      channel.NewMemoryWith("supervisor.state", stateOn),
	}
}

func (s *Supervisor) Channels() supervisor.Channels {
	commands := make(map[supervisor.Phase]channel.Command)
	for _, target := range []supervisor.Phase{
		supervisor.PhaseSample,
		supervisor.PhaseCollect,
		supervisor.PhaseTransfer,
		supervisor.PhaseBeamView,
	} {
		target := target
		commands[target] = channel.CommandFunc("go"+string(target), func(context.Context) error {
			s.request(target)
			return nil
		})
	}

	return supervisor.Channels{Phase: s.Phase, State: s.State, Commands: commands}
}

func (s *Supervisor) request(target supervisor.Phase) {
	s.halt()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Phase transition", zap.String("target", string(target)))
	s.State.Update(stateMoving)
	s.Phase.Update(string(supervisor.PhaseMoving))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		timer := time.NewTimer(s.transition)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.Phase.Update(string(target))
		s.State.Update(stateOn)
	}()
}

func (s *Supervisor) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Supervisor) Close() {
	s.halt()
}
