package events

import "sync"

// Mux merges the streams of several buses into one channel.
type Mux struct {
	mu    sync.RWMutex
	buses []*Bus
}

func NewMux(buses ...*Bus) *Mux {
	return &Mux{buses: buses}
}

func (m *Mux) Add(b *Bus) {
	m.mu.Lock()
	m.buses = append(m.buses, b)
	m.mu.Unlock()
}

func (m *Mux) Buses() []*Bus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Bus(nil), m.buses...)
}

// Stream returns a channel receiving the events of every bus added so far.
// The channel is closed once cancel has been called.
func (m *Mux) Stream(buffer int) (<-chan Envelope, func()) {
	out := make(chan Envelope, buffer)
	done := make(chan struct{})
	var wg sync.WaitGroup

	buses := m.Buses()
	streams := make([]<-chan Envelope, len(buses))
	for i, b := range buses {
		streams[i] = b.Stream(buffer)
	}

	for _, in := range streams {
		wg.Add(1)
		go func(in <-chan Envelope) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case env, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- env:
					case <-done:
						return
					default:
						// Drop when the consumer lags, like Bus streams.
					}
				}
			}
		}(in)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			for i, b := range buses {
				b.Unstream(streams[i])
			}
			wg.Wait()
			close(out)
		})
	}
	return out, cancel
}
