package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/MiniDiffCore/internal/channel"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsePhase(t *testing.T) {
	cases := map[string]Phase{
		"Transfer": PhaseTransfer,
		"COLLECT":  PhaseCollect,
		"beamview": PhaseBeamView,
		"Sample":   PhaseSample,
		"Centring": PhaseSample,
		"Moving":   PhaseMoving,
		"Parked":   PhaseUnknown,
	}
	for token, want := range cases {
		assert.Equal(t, want, ParsePhase(token), token)
	}

	assert.True(t, Phase("sample").IsSampleView())
	assert.False(t, PhaseCollect.IsSampleView())
}

func TestDevice_RequiresChannels(t *testing.T) {
	_, err := NewDevice(Channels{}, zaptest.NewLogger(t))
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestDevice_PublishesChanges(t *testing.T) {
	phase := channel.NewMemoryWith("phase", "Transfer")
	state := channel.NewMemoryWith("state", "ON")

	d, err := NewDevice(Channels{Phase: phase, State: state}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	var got []events.Event
	d.Subscribe(func(e events.Event) { got = append(got, e) })

	state.Update("MOVING")
	state.Update("MOVING")
	phase.Update("Sample")
	state.Update("ON")

	assert.Equal(t, []events.Event{
		StateChanged{State: "MOVING"},
		PhaseChanged{Phase: PhaseSample},
		StateChanged{State: "ON"},
	}, got)
	assert.Equal(t, PhaseSample, d.LastPhase())
}

func TestDevice_ReadFailuresFallBack(t *testing.T) {
	phase := channel.NewMemoryWith("phase", "Collect")
	state := channel.NewMemory[string]("state")

	d, err := NewDevice(Channels{Phase: phase, State: state}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	p, err := d.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseCollect, p)

	phase.Fail(errors.New("offline"))
	p, err = d.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseCollect, p)

	_, err = d.State(ctx)
	assert.True(t, errors.Is(err, types.ErrTransport))

	state.Update("ON")
	state.Fail(errors.New("offline"))
	s, err := d.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ON", s)
}

func TestDevice_Commands(t *testing.T) {
	var issued []string
	cmd := func(name string) channel.Command {
		return channel.CommandFunc(name, func(context.Context) error {
			issued = append(issued, name)
			return nil
		})
	}

	d, err := NewDevice(Channels{
		Phase: channel.NewMemoryWith("phase", "Transfer"),
		State: channel.NewMemoryWith("state", "ON"),
		Commands: map[Phase]channel.Command{
			PhaseSample:   cmd("sample"),
			PhaseCollect:  cmd("collect"),
			PhaseTransfer: cmd("transfer"),
		},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.GoSampleView(ctx))
	require.NoError(t, d.GoCollect(ctx))
	require.NoError(t, d.GoTransfer(ctx))
	assert.True(t, errors.Is(d.GoBeamView(ctx), types.ErrConfiguration))

	assert.Equal(t, []string{"sample", "collect", "transfer"}, issued)
}
