package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Authenticator is the slice of the gateway surface the session layer
// needs. Implemented by broker.AuthClient.
type Authenticator interface {
	Authenticate(ctx context.Context) (token string, ttl time.Duration, err error)
	KeepAlive(ctx context.Context, token string) error
	Logout(ctx context.Context, token string) error
}

// AuthError means re-authentication was exhausted. It is fatal for the
// current run: no orders may be submitted on a stale session.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Session is the single shared authentication state. It is owned by the
// Manager and mutated only under its lock; callers receive read snapshots.
type Session struct {
	Token         string
	Authenticated bool
	ExpiresAt     time.Time
}

// Config bounds re-authentication and paces the keep-alive loop.
type Config struct {
	KeepAliveInterval time.Duration // must be below the gateway idle timeout
	MaxAuthRetries    int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	StalenessSlack    time.Duration // refresh this long before expiry
}

// Manager owns authentication state and keep-alive for the gateway.
// A keep-alive tick and an explicit refresh never race: both take the
// same lock, so concurrent callers observe one login, not several.
type Manager struct {
	auth Authenticator
	cfg  Config
	log  zerolog.Logger

	mu           sync.Mutex
	sess         Session
	lastActivity time.Time
}

func NewManager(auth Authenticator, cfg Config, log zerolog.Logger) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = time.Minute
	}
	if cfg.MaxAuthRetries <= 0 {
		cfg.MaxAuthRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.StalenessSlack <= 0 {
		cfg.StalenessSlack = 30 * time.Second
	}
	return &Manager{
		auth: auth,
		cfg:  cfg,
		log:  log.With().Str("component", "session").Logger(),
	}
}

// Acquire returns a valid, non-stale session, transparently
// re-authenticating when the cached one is expired or invalidated.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.validLocked(time.Now()) {
		if err := m.refreshLocked(ctx); err != nil {
			return Session{}, err
		}
	}
	m.lastActivity = time.Now()
	return m.sess, nil
}

// ForceRefresh discards the cached session and re-authenticates. Used by
// the transport after the gateway reports an auth failure on last use.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = Session{}
	return m.refreshLocked(ctx)
}

// KeepAlive pings the gateway unless a call happened more recently than
// the keep-alive interval. Safe to invoke on a fixed timer.
func (m *Manager) KeepAlive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sess.Authenticated {
		return nil // nothing to keep alive; next Acquire authenticates
	}
	if time.Since(m.lastActivity) < m.cfg.KeepAliveInterval {
		return nil
	}
	if err := m.auth.KeepAlive(ctx, m.sess.Token); err != nil {
		// Next Acquire re-authenticates rather than trusting a session
		// the gateway may have dropped.
		m.sess.Authenticated = false
		return fmt.Errorf("failed to keep session alive: %w", err)
	}
	m.lastActivity = time.Now()
	return nil
}

// StartKeepAlive runs the keep-alive loop until ctx is cancelled. The
// timer is shared across pipeline runs.
func (m *Manager) StartKeepAlive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.KeepAlive(ctx); err != nil {
					m.log.Warn().Err(err).Msg("keep-alive failed")
				}
			}
		}
	}()
}

// Invalidate drops the cached session without contacting the gateway.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = Session{}
}

// Logout invalidates the session on both sides.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sess.Authenticated {
		return nil
	}
	err := m.auth.Logout(ctx, m.sess.Token)
	m.sess = Session{}
	if err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

func (m *Manager) validLocked(now time.Time) bool {
	return m.sess.Authenticated && now.Before(m.sess.ExpiresAt.Add(-m.cfg.StalenessSlack))
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAuthRetries; attempt++ {
		token, ttl, err := m.auth.Authenticate(ctx)
		if err == nil {
			m.sess = Session{
				Token:         token,
				Authenticated: true,
				ExpiresAt:     time.Now().Add(ttl),
			}
			m.lastActivity = time.Now()
			m.log.Info().Time("expires_at", m.sess.ExpiresAt).Msg("session authenticated")
			return nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("authentication attempt failed")

		if attempt == m.cfg.MaxAuthRetries {
			break
		}
		delay := m.cfg.BackoffBase << (attempt - 1)
		if delay > m.cfg.BackoffMax {
			delay = m.cfg.BackoffMax
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	m.sess = Session{}
	return &AuthError{Attempts: m.cfg.MaxAuthRetries, Err: lastErr}
}
