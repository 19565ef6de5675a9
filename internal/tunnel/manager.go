package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/relay"
)

// Defaults applied by NewManager.
const (
	DefaultOpenTimeout   = 30 * time.Second
	DefaultTokenLifetime = time.Hour
)

// ErrOpenTimeout means the tunnel did not open within the open deadline.
var ErrOpenTimeout = errors.New("timed out opening tunnel")

// TokenMinter mints the SAS token presented when a tunnel opens.
type TokenMinter interface {
	Token(rel *relay.Relay, lifetime time.Duration) (string, error)
}

// Options configures a Manager.
type Options struct {
	OpenTimeout   time.Duration
	TokenLifetime time.Duration
	// Scheme is "wss" unless a test gateway speaks plain "ws".
	Scheme string
	Logger *slog.Logger
}

// Manager keeps at most one open tunnel per provider. Concurrent Acquire
// calls for a provider share a single open attempt.
type Manager struct {
	dialer *websocket.Dialer
	minter TokenMinter
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	opens singleflight.Group
}

// NewManager returns a Manager that authenticates with minter.
func NewManager(minter TokenMinter, opts Options) *Manager {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = DefaultTokenLifetime
	}
	if opts.Scheme == "" {
		opts.Scheme = "wss"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  opts.OpenTimeout,
			EnableCompression: false,
		},
		minter: minter,
		opts:   opts,
		logger: logger.With(slog.String("component", "tunnel")),
		conns:  map[string]*Connection{},
	}
}

// Acquire returns the provider's cached tunnel if it is healthy and belongs to
// rel, opening a new one otherwise. The open runs under its own deadline and
// is not abandoned when ctx ends, so waiters that stay can still share it.
func (m *Manager) Acquire(ctx context.Context, rel *relay.Relay) (*Connection, error) {
	if c := m.cached(rel); c != nil {
		return c, nil
	}

	ch := m.opens.DoChan(rel.ProviderID, func() (any, error) {
		if c := m.cached(rel); c != nil {
			return c, nil
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.OpenTimeout)
		defer cancel()

		c, err := m.open(openCtx, rel)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		old := m.conns[rel.ProviderID]
		m.conns[rel.ProviderID] = c
		m.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) cached(rel *relay.Relay) *Connection {
	m.mu.Lock()
	c, ok := m.conns[rel.ProviderID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if c.Healthy() && c.relayID == rel.ID {
		m.mu.Unlock()
		return c
	}
	delete(m.conns, rel.ProviderID)
	m.mu.Unlock()
	c.Close()
	return nil
}

func (m *Manager) open(ctx context.Context, rel *relay.Relay) (*Connection, error) {
	token, err := m.minter.Token(rel, m.opts.TokenLifetime)
	if err != nil {
		return nil, errs.Wrapf(err, "mint token for relay %d", rel.ID)
	}

	started := time.Now()
	ws, resp, err := m.dialer.DialContext(ctx, relay.ConnectionURL(m.opts.Scheme, rel, token), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		var ne net.Error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("%w: relay %d after %s", ErrOpenTimeout, rel.ID, m.opts.OpenTimeout)
		}
		if resp != nil {
			return nil, fmt.Errorf("open tunnel for relay %d: handshake status %d: %w", rel.ID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("open tunnel for relay %d: %w", rel.ID, err)
	}

	m.logger.Info("tunnel opened",
		slog.String("provider_id", rel.ProviderID),
		slog.Uint64("relay_id", uint64(rel.ID)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return newConnection(rel.ProviderID, rel.ID, ws), nil
}

// ReleaseFaulty evicts and closes the provider's cached tunnel. The next
// Acquire reconnects.
func (m *Manager) ReleaseFaulty(providerID string) {
	m.mu.Lock()
	c, ok := m.conns[providerID]
	delete(m.conns, providerID)
	m.mu.Unlock()
	if ok {
		c.MarkFaulty()
		c.Close()
		m.logger.Info("tunnel evicted", slog.String("provider_id", providerID))
	}
}

// Evict is ReleaseFaulty for a specific connection: it leaves the cache alone
// if c has already been replaced.
func (m *Manager) Evict(c *Connection) {
	c.MarkFaulty()
	m.mu.Lock()
	if m.conns[c.providerID] == c {
		delete(m.conns, c.providerID)
	}
	m.mu.Unlock()
	c.Close()
	m.logger.Info("tunnel evicted", slog.String("provider_id", c.providerID), slog.Uint64("relay_id", uint64(c.relayID)))
}

// Close closes every cached tunnel.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[string]*Connection{}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
