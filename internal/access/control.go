// Package access implements admission and abuse control: connection rate
// limiting, per-session message rate limiting, mute and ban state, and idle
// timeout detection. It knows nothing about rooms or commands.
package access

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andy6609/roomchat-server/internal/metrics"
	"github.com/andy6609/roomchat-server/internal/session"
)

var (
	ErrBanned          = errors.New("address is banned")
	ErrServerFull      = errors.New("server is full")
	ErrConnRateLimited = errors.New("too many connection attempts")
	ErrMuted           = errors.New("session is muted")
	ErrMsgRateLimited  = errors.New("too many messages")
)

const (
	connInterval = time.Second
	msgInterval  = time.Minute
	ipIdleTTL    = 5 * time.Minute
)

// Config holds the admission limits.
type Config struct {
	MaxConnections   int
	MaxConnPerSecond int
	MaxMsgPerMinute  int
	IdleTimeout      time.Duration

	// IPRate is the sustained connections/sec allowed per remote host; zero
	// disables the per-host bucket.
	IPRate  float64
	IPBurst int
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Control owns admission state. Each kind of state has its own lock and no
// method holds two of them at once.
type Control struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	connMu     sync.Mutex
	connWindow *RateWindow

	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry

	msgMu      sync.Mutex
	msgWindows map[int64]*RateWindow

	banMu  sync.RWMutex
	banned map[string]struct{}

	// A zero expiry means the mute never expires.
	muteMu sync.Mutex
	mutes  map[int64]time.Time
}

func New(cfg Config, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{
		cfg:        cfg,
		logger:     logger.With("component", "access"),
		now:        time.Now,
		connWindow: NewRateWindow(cfg.MaxConnPerSecond, connInterval),
		ipLimiters: make(map[string]*ipLimiterEntry),
		msgWindows: make(map[int64]*RateWindow),
		banned:     make(map[string]struct{}),
		mutes:      make(map[int64]time.Time),
	}
}

// HostOf strips the port from a remote address; bans and per-host limits
// are keyed by host.
func HostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// AllowConnection decides whether a new connection from remoteAddr may
// proceed while active sessions are connected. Checks run in order: ban,
// capacity, per-host bucket, global one-second window. The attempt is
// recorded only when admitted.
func (c *Control) AllowConnection(remoteAddr string, active int) error {
	host := HostOf(remoteAddr)
	if c.IsBanned(host) {
		return c.reject("banned", ErrBanned)
	}
	if active >= c.cfg.MaxConnections {
		return c.reject("server_full", ErrServerFull)
	}

	now := c.now()
	if c.cfg.IPRate > 0 && !c.ipLimiter(host, now).AllowN(now, 1) {
		return c.reject("host_rate", ErrConnRateLimited)
	}

	c.connMu.Lock()
	ok := c.connWindow.Allow(now)
	c.connMu.Unlock()
	if !ok {
		return c.reject("conn_rate", ErrConnRateLimited)
	}
	return nil
}

func (c *Control) ipLimiter(host string, now time.Time) *rate.Limiter {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()

	entry, ok := c.ipLimiters[host]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(c.cfg.IPRate), c.cfg.IPBurst)}
		c.ipLimiters[host] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

// PruneHosts drops per-host limiters not used within the idle TTL.
func (c *Control) PruneHosts() int {
	now := c.now()
	c.ipMu.Lock()
	defer c.ipMu.Unlock()

	removed := 0
	for host, entry := range c.ipLimiters {
		if now.Sub(entry.lastAccess) > ipIdleTTL {
			delete(c.ipLimiters, host)
			removed++
		}
	}
	return removed
}

// AllowMessage admits one inbound message from a session: muted sessions are
// rejected, then the trailing one-minute window is applied.
func (c *Control) AllowMessage(id int64) error {
	if c.IsMuted(id) {
		return c.reject("muted", ErrMuted)
	}

	now := c.now()
	c.msgMu.Lock()
	w, ok := c.msgWindows[id]
	if !ok {
		w = NewRateWindow(c.cfg.MaxMsgPerMinute, msgInterval)
		c.msgWindows[id] = w
	}
	allowed := w.Allow(now)
	c.msgMu.Unlock()

	if !allowed {
		return c.reject("msg_rate", ErrMsgRateLimited)
	}
	return nil
}

func (c *Control) reject(reason string, err error) error {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	c.logger.Debug("admission rejected", "reason", reason)
	return err
}

// Mute silences a session for d; d <= 0 mutes until Unmute.
func (c *Control) Mute(id int64, d time.Duration) {
	var expiry time.Time
	if d > 0 {
		expiry = c.now().Add(d)
	}
	c.muteMu.Lock()
	c.mutes[id] = expiry
	c.muteMu.Unlock()
}

// Unmute lifts a mute and reports whether one was present.
func (c *Control) Unmute(id int64) bool {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()
	_, ok := c.mutes[id]
	delete(c.mutes, id)
	return ok
}

// IsMuted reports whether id is muted, evicting an expired record.
func (c *Control) IsMuted(id int64) bool {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()

	expiry, ok := c.mutes[id]
	if !ok {
		return false
	}
	if !expiry.IsZero() && c.now().After(expiry) {
		delete(c.mutes, id)
		return false
	}
	return true
}

// Ban blocks future connections from host.
func (c *Control) Ban(host string) {
	c.banMu.Lock()
	c.banned[host] = struct{}{}
	c.banMu.Unlock()
}

// Unban lifts a ban and reports whether one was present.
func (c *Control) Unban(host string) bool {
	c.banMu.Lock()
	defer c.banMu.Unlock()
	_, ok := c.banned[host]
	delete(c.banned, host)
	return ok
}

func (c *Control) IsBanned(host string) bool {
	c.banMu.RLock()
	defer c.banMu.RUnlock()
	_, ok := c.banned[host]
	return ok
}

// Banned lists banned hosts in sorted order.
func (c *Control) Banned() []string {
	c.banMu.RLock()
	out := make([]string, 0, len(c.banned))
	for host := range c.banned {
		out = append(out, host)
	}
	c.banMu.RUnlock()
	sort.Strings(out)
	return out
}

// CheckTimeouts returns the ids in sessions idle for longer than the
// configured timeout. It only detects; disconnecting is up to the caller.
func (c *Control) CheckTimeouts(sessions []session.Session) []int64 {
	now := c.now()
	var out []int64
	for _, s := range sessions {
		if now.Sub(s.LastActivity) > c.cfg.IdleTimeout {
			out = append(out, s.ID)
		}
	}
	return out
}

// Forget drops the per-session message window and mute of a closed session.
func (c *Control) Forget(id int64) {
	c.msgMu.Lock()
	delete(c.msgWindows, id)
	c.msgMu.Unlock()

	c.muteMu.Lock()
	delete(c.mutes, id)
	c.muteMu.Unlock()
}
