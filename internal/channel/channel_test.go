package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_UpdateNotifiesSubscribers(t *testing.T) {
	ch := NewMemory[float64]("phiPosition")

	var got []float64
	unsubscribe := ch.Subscribe(func(v float64) { got = append(got, v) })

	ch.Update(1.5)
	ch.Store(2.5)
	unsubscribe()
	ch.Update(3.5)

	assert.Equal(t, []float64{1.5}, got)

	v, err := ch.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)
}

func TestMemory_EmptyReadIsTransportError(t *testing.T) {
	ch := NewMemory[string]("phiState")

	_, err := ch.Value(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
}

func TestMemory_OnSetInterceptsWrites(t *testing.T) {
	ch := NewMemoryWith("phiPosition", 0.0)

	var requested float64
	ch.OnSet(func(ctx context.Context, v float64) error {
		requested = v
		return nil
	})

	require.NoError(t, ch.SetValue(context.Background(), 12))
	assert.Equal(t, 12.0, requested)
	assert.Equal(t, 1, ch.Writes())

	v, _ := ch.Value(context.Background())
	assert.Equal(t, 0.0, v, "hook owns the write")
}

func TestMemory_Fail(t *testing.T) {
	ch := NewMemoryWith("phiVelocity", 1.0)
	ch.Fail(errors.New("device offline"))

	_, err := ch.Value(context.Background())
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.ErrorIs(t, ch.SetValue(context.Background(), 2), types.ErrTransport)

	ch.Fail(nil)
	_, err = ch.Value(context.Background())
	assert.NoError(t, err)
}
