package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/roomchat-server/internal/session"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newControl(t *testing.T, cfg Config) (*Control, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	c := New(cfg, nil)
	c.now = clk.now
	return c, clk
}

func defaultConfig() Config {
	return Config{
		MaxConnections:   100,
		MaxConnPerSecond: 3,
		MaxMsgPerMinute:  5,
		IdleTimeout:      30 * time.Second,
	}
}

func TestRateWindow_AdmitsLimitThenRejectsThenRecovers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewRateWindow(4, time.Second)

	for i := 0; i < 4; i++ {
		require.Truef(t, w.Allow(start.Add(time.Duration(i)*100*time.Millisecond)), "event %d", i)
	}
	assert.False(t, w.Allow(start.Add(500*time.Millisecond)), "L+1 within the interval")
	assert.Equal(t, 4, w.Count(start.Add(500*time.Millisecond)))
	assert.Equal(t, 500*time.Millisecond, w.RetryAfter(start.Add(500*time.Millisecond)))

	// first event leaves the window
	assert.True(t, w.Allow(start.Add(1001*time.Millisecond)))
	assert.False(t, w.Allow(start.Add(1002*time.Millisecond)))

	// everything expired
	assert.True(t, w.Allow(start.Add(5*time.Second)))
	assert.Equal(t, 1, w.Count(start.Add(5*time.Second)))
}

func TestAllowConnection_GlobalWindow(t *testing.T) {
	c, clk := newControl(t, defaultConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AllowConnection("10.0.0.1:5000", 0))
	}
	assert.ErrorIs(t, c.AllowConnection("10.0.0.2:5000", 0), ErrConnRateLimited)

	clk.advance(1100 * time.Millisecond)
	assert.NoError(t, c.AllowConnection("10.0.0.2:5000", 0))
}

func TestAllowConnection_CapacityAndBan(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConnections = 2
	c, _ := newControl(t, cfg)

	assert.ErrorIs(t, c.AllowConnection("10.0.0.1:1", 2), ErrServerFull)
	require.NoError(t, c.AllowConnection("10.0.0.1:1", 1))

	c.Ban("10.0.0.9")
	assert.ErrorIs(t, c.AllowConnection("10.0.0.9:4242", 0), ErrBanned)
	assert.Equal(t, []string{"10.0.0.9"}, c.Banned())

	assert.True(t, c.Unban("10.0.0.9"))
	assert.False(t, c.Unban("10.0.0.9"))
	assert.NoError(t, c.AllowConnection("10.0.0.9:4242", 0))
}

func TestAllowConnection_BanCheckedBeforeWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConnPerSecond = 1
	c, _ := newControl(t, cfg)

	c.Ban("10.0.0.9")
	assert.ErrorIs(t, c.AllowConnection("10.0.0.9:1", 0), ErrBanned)
	// the banned attempt was not recorded
	assert.NoError(t, c.AllowConnection("10.0.0.1:1", 0))
}

func TestAllowConnection_PerHostBucket(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConnPerSecond = 100
	cfg.IPRate = 1
	cfg.IPBurst = 2
	c, clk := newControl(t, cfg)

	require.NoError(t, c.AllowConnection("10.0.0.1:1", 0))
	require.NoError(t, c.AllowConnection("10.0.0.1:2", 0))
	assert.ErrorIs(t, c.AllowConnection("10.0.0.1:3", 0), ErrConnRateLimited)
	assert.NoError(t, c.AllowConnection("10.0.0.2:1", 0), "other hosts have their own bucket")

	clk.advance(time.Second)
	assert.NoError(t, c.AllowConnection("10.0.0.1:4", 0))

	clk.advance(10 * time.Minute)
	assert.Equal(t, 2, c.PruneHosts())
}

func TestAllowMessage_Window(t *testing.T) {
	c, clk := newControl(t, defaultConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AllowMessage(1))
	}
	assert.ErrorIs(t, c.AllowMessage(1), ErrMsgRateLimited)
	assert.NoError(t, c.AllowMessage(2), "windows are per session")

	clk.advance(61 * time.Second)
	assert.NoError(t, c.AllowMessage(1))
}

func TestMute_FiniteDurationExpires(t *testing.T) {
	c, clk := newControl(t, defaultConfig())

	c.Mute(1, 10*time.Second)
	assert.ErrorIs(t, c.AllowMessage(1), ErrMuted)

	clk.advance(9 * time.Second)
	assert.True(t, c.IsMuted(1))

	clk.advance(2 * time.Second)
	assert.False(t, c.IsMuted(1))
	assert.NoError(t, c.AllowMessage(1))

	c.muteMu.Lock()
	_, present := c.mutes[1]
	c.muteMu.Unlock()
	assert.False(t, present, "expired record is evicted by the check")
}

func TestMute_ZeroIsPermanentUntilUnmute(t *testing.T) {
	c, clk := newControl(t, defaultConfig())

	c.Mute(1, 0)
	clk.advance(1000 * time.Hour)
	assert.ErrorIs(t, c.AllowMessage(1), ErrMuted)

	assert.True(t, c.Unmute(1))
	assert.False(t, c.Unmute(1))
	assert.NoError(t, c.AllowMessage(1))
}

func TestCheckTimeouts(t *testing.T) {
	c, clk := newControl(t, defaultConfig())
	now := clk.now()

	sessions := []session.Session{
		{ID: 1, LastActivity: now.Add(-31 * time.Second)},
		{ID: 2, LastActivity: now.Add(-29 * time.Second)},
		{ID: 3, LastActivity: now.Add(-time.Hour)},
	}
	assert.Equal(t, []int64{1, 3}, c.CheckTimeouts(sessions))
	assert.Empty(t, c.CheckTimeouts(nil))
}

func TestForget(t *testing.T) {
	c, _ := newControl(t, defaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, c.AllowMessage(1))
	}
	c.Mute(1, 0)

	c.Forget(1)
	assert.False(t, c.IsMuted(1))
	assert.NoError(t, c.AllowMessage(1))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.1.2.3", HostOf("10.1.2.3:9999"))
	assert.Equal(t, "::1", HostOf("[::1]:80"))
	assert.Equal(t, "garbage", HostOf("garbage"))
}
