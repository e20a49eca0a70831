package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"go.uber.org/zap"
)

// Poller reads one register group on a fixed interval and pushes the values
// to the device's subscribers.
type Poller struct {
	device   *Device
	group    types.RegisterGroup
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	failing  map[string]bool
}

func NewPoller(device *Device, group types.RegisterGroup, logger *zap.Logger) *Poller {
	interval := time.Duration(group.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &Poller{
		device:   device,
		group:    group,
		interval: interval,
		logger: logger.With(
			zap.String("device", device.Name),
			zap.String("group", group.Name)),
		failing: make(map[string]bool),
	}
}

func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Poller started",
		zap.Duration("interval", p.interval),
		zap.Int("registers", len(p.group.Registers)))

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()

	p.logger.Info("Poller stopped")
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// PollOnce reads every register of the group once. Failures are logged on
// the first occurrence and again when the register recovers.
func (p *Poller) PollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, name := range p.group.Registers {
		err := p.device.Poll(ctx, name, !p.group.OnChange)

		p.mu.Lock()
		wasFailing := p.failing[name]
		p.failing[name] = err != nil
		p.mu.Unlock()

		switch {
		case err != nil && !wasFailing:
			p.logger.Error("Poll failed", zap.String("register", name), zap.Error(err))
		case err == nil && wasFailing:
			p.logger.Info("Poll recovered", zap.String("register", name))
		}
	}
}
