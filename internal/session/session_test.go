package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeAuth struct {
	mu         sync.Mutex
	logins     int
	keepalives int
	logouts    int
	failLogins int // fail this many logins before succeeding
	keepErr    error
	ttl        time.Duration
}

func (f *fakeAuth) Authenticate(ctx context.Context) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.logins <= f.failLogins {
		return "", 0, errors.New("gateway not ready")
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return fmt.Sprintf("tok-%d", f.logins), ttl, nil
}

func (f *fakeAuth) KeepAlive(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return f.keepErr
}

func (f *fakeAuth) Logout(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeAuth) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.keepalives, f.logouts
}

func testManagerConfig() Config {
	return Config{
		KeepAliveInterval: time.Minute,
		MaxAuthRetries:    3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		StalenessSlack:    time.Second,
	}
}

func TestAcquireAuthenticatesOnceAndCaches(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	for i := 0; i < 5; i++ {
		sess, err := m.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		if sess.Token != "tok-1" {
			t.Fatalf("expected cached token tok-1, got %q", sess.Token)
		}
	}
	if logins, _, _ := auth.counts(); logins != 1 {
		t.Errorf("expected a single login, got %d", logins)
	}
}

func TestAcquireRefreshesStaleSession(t *testing.T) {
	// TTL below the staleness slack, so the session is stale immediately.
	auth := &fakeAuth{ttl: time.Millisecond}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	sess, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if sess.Token != "tok-2" {
		t.Errorf("expected refreshed token tok-2, got %q", sess.Token)
	}
}

func TestAcquireRetriesThenReportsAuthError(t *testing.T) {
	auth := &fakeAuth{failLogins: 10}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	_, err := m.Acquire(context.Background())
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if aerr.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", aerr.Attempts)
	}
}

func TestForceRefreshReplacesSession(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := m.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("force refresh failed: %v", err)
	}
	sess, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after refresh failed: %v", err)
	}
	if sess.Token != "tok-2" {
		t.Errorf("expected new token after forced refresh, got %q", sess.Token)
	}
}

func TestKeepAliveSkippedAfterRecentActivity(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := m.KeepAlive(context.Background()); err != nil {
		t.Fatalf("keep-alive failed: %v", err)
	}
	if _, keepalives, _ := auth.counts(); keepalives != 0 {
		t.Errorf("keep-alive right after activity should be a no-op, got %d pings", keepalives)
	}
}

func TestKeepAliveFailureForcesReauthentication(t *testing.T) {
	cfg := testManagerConfig()
	cfg.KeepAliveInterval = time.Nanosecond // force the ping every time
	auth := &fakeAuth{keepErr: errors.New("session dropped")}
	m := NewManager(auth, cfg, zerolog.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := m.KeepAlive(context.Background()); err == nil {
		t.Fatal("expected keep-alive error")
	}

	sess, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after dropped session failed: %v", err)
	}
	if sess.Token != "tok-2" {
		t.Errorf("expected re-authentication after keep-alive failure, got %q", sess.Token)
	}
}

func TestLogoutInvalidatesBothSides(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, testManagerConfig(), zerolog.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, _, logouts := auth.counts(); logouts != 1 {
		t.Errorf("expected gateway logout, got %d", logouts)
	}

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after logout failed: %v", err)
	}
	if logins, _, _ := auth.counts(); logins != 2 {
		t.Errorf("expected fresh login after logout, got %d logins", logins)
	}
}
