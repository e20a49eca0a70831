// Package channel defines the hardware channel abstraction motors and the
// supervisor are built on, plus an in-memory implementation.
package channel

import (
	"context"
	"sync"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// Channel delivers samples of one hardware attribute, either polled or pushed,
// and accepts writes.
type Channel[T any] interface {
	Name() string
	Value(ctx context.Context) (T, error)
	SetValue(ctx context.Context, v T) error
	Subscribe(fn func(T)) (unsubscribe func())
}

// Command is a fire-and-forget hardware command such as Stop.
type Command interface {
	Name() string
	Execute(ctx context.Context) error
}

type commandFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// CommandFunc adapts fn to a Command.
func CommandFunc(name string, fn func(ctx context.Context) error) Command {
	return &commandFunc{name: name, fn: fn}
}

func (c *commandFunc) Name() string { return c.name }

func (c *commandFunc) Execute(ctx context.Context) error {
	return c.fn(ctx)
}

// Memory is a Channel held in process. Update simulates a hardware push;
// SetValue goes through OnSet when installed, otherwise it behaves like Update.
type Memory[T any] struct {
	name string

	mu      sync.RWMutex
	value   T
	valid   bool
	failErr error
	writes  int
	onSet   func(ctx context.Context, v T) error
	nextID  int
	subs    map[int]func(T)
	subKeys []int
}

func NewMemory[T any](name string) *Memory[T] {
	return &Memory[T]{
		name: name,
		subs: make(map[int]func(T)),
	}
}

// NewMemoryWith returns a Memory channel holding an initial value.
func NewMemoryWith[T any](name string, v T) *Memory[T] {
	m := NewMemory[T](name)
	m.value = v
	m.valid = true
	return m
}

func (m *Memory[T]) Name() string { return m.name }

// OnSet installs a hook receiving every SetValue instead of the default store.
func (m *Memory[T]) OnSet(fn func(ctx context.Context, v T) error) {
	m.mu.Lock()
	m.onSet = fn
	m.mu.Unlock()
}

// Fail makes subsequent reads and writes return err. Fail(nil) clears it.
func (m *Memory[T]) Fail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Writes returns how many SetValue calls reached the channel.
func (m *Memory[T]) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory[T]) Value(ctx context.Context) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero T
	if m.failErr != nil {
		return zero, &types.TransportError{Channel: m.name, Op: "read", Err: m.failErr}
	}
	if !m.valid {
		return zero, &types.TransportError{Channel: m.name, Op: "read", Err: errNoValue}
	}
	return m.value, nil
}

func (m *Memory[T]) SetValue(ctx context.Context, v T) error {
	m.mu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		return &types.TransportError{Channel: m.name, Op: "write", Err: err}
	}
	m.writes++
	hook := m.onSet
	m.mu.Unlock()

	if hook != nil {
		return hook(ctx, v)
	}
	m.Update(v)
	return nil
}

// Update stores v and notifies subscribers.
func (m *Memory[T]) Update(v T) {
	m.mu.Lock()
	m.value = v
	m.valid = true
	subs := make([]func(T), 0, len(m.subKeys))
	for _, k := range m.subKeys {
		subs = append(subs, m.subs[k])
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Store sets the value without notifying subscribers, like a polled
// attribute that changed between polls.
func (m *Memory[T]) Store(v T) {
	m.mu.Lock()
	m.value = v
	m.valid = true
	m.mu.Unlock()
}

func (m *Memory[T]) Subscribe(fn func(T)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.subKeys = append(m.subKeys, id)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		for i, k := range m.subKeys {
			if k == id {
				m.subKeys = append(m.subKeys[:i], m.subKeys[i+1:]...)
				break
			}
		}
	}
}
