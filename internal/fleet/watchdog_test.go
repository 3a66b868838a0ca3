package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusOf(t *testing.T, f *testFleet, id string) *bot.Bot {
	t.Helper()
	b, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestCheckHealth_FaultsUnhealthySession(t *testing.T) {
	f := newTestFleet(t, Options{})
	b, s := startLive(t, f, nil)
	ctx := context.Background()

	report := f.orch.CheckHealth(ctx)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Faulted)

	s.setHealthy(false)
	report = f.orch.CheckHealth(ctx)
	assert.Equal(t, []string{b.ID}, report.Faulted)
	assert.False(t, f.orch.IsLive(b.ID))
	assert.Equal(t, 1, s.closedCount())

	stored := statusOf(t, f, b.ID)
	assert.Equal(t, bot.StatusError, stored.Status)
	assert.Equal(t, bot.StatusOnline, stored.DesiredStatus)

	// Without auto-recover the bot stays down.
	report = f.orch.CheckHealth(ctx)
	assert.Empty(t, report.Recovered)
	assert.Equal(t, int32(1), f.connector.connects.Load())
}

func TestCheckHealth_AutoRecover(t *testing.T) {
	f := newTestFleet(t, Options{AutoRecover: true})
	b, s := startLive(t, f, nil)
	ctx := context.Background()

	s.setHealthy(false)
	f.orch.CheckHealth(ctx)
	require.Equal(t, bot.StatusError, statusOf(t, f, b.ID).Status)

	report := f.orch.CheckHealth(ctx)
	assert.Equal(t, []string{b.ID}, report.Recovered)
	assert.True(t, f.orch.IsLive(b.ID))
	assert.Equal(t, bot.StatusOnline, statusOf(t, f, b.ID).Status)
	assert.Equal(t, int32(2), f.connector.connects.Load())
	assert.Empty(t, f.orch.faultedIDs())
}

func TestCheckHealth_LoginFailureIsNotRetried(t *testing.T) {
	f := newTestFleet(t, Options{AutoRecover: true})
	b, s := startLive(t, f, nil)
	ctx := context.Background()

	s.setHealthy(false)
	f.orch.CheckHealth(ctx)
	f.connector.failToken("tok", discord.ErrInvalidToken)

	report := f.orch.CheckHealth(ctx)
	assert.Empty(t, report.Recovered)
	assert.Equal(t, bot.StatusError, statusOf(t, f, b.ID).Status)
	assert.Empty(t, f.orch.faultedIDs())

	f.orch.CheckHealth(ctx)
	assert.Equal(t, int32(2), f.connector.connects.Load())
}

func TestCheckHealth_StoppedBotIsNotRecovered(t *testing.T) {
	f := newTestFleet(t, Options{AutoRecover: true})
	b, s := startLive(t, f, nil)
	ctx := context.Background()

	s.setHealthy(false)
	f.orch.CheckHealth(ctx)
	_, err := f.orch.Stop(ctx, b.ID)
	require.NoError(t, err)

	report := f.orch.CheckHealth(ctx)
	assert.Empty(t, report.Recovered)
	assert.False(t, f.orch.IsLive(b.ID))
	assert.Equal(t, bot.StatusOffline, statusOf(t, f, b.ID).DesiredStatus)
}

func TestWatchdog_StartStop(t *testing.T) {
	f := newTestFleet(t, Options{})

	bad := NewWatchdog(f.orch, "every now and then")
	assert.Error(t, bad.Start())

	w := NewWatchdog(f.orch, "@every 1h")
	require.NoError(t, w.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)
}
