package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// IdempotencyHeader carries the caller-supplied key the gateway dedupes on.
const IdempotencyHeader = "X-Idempotency-Key"

// Refresher re-authenticates the gateway session after a 401/403.
// Implemented by session.Manager.
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// Config bounds retries and request rate for all outbound calls.
type Config struct {
	MaxAttempts     int
	BackoffBaseMs   int
	BackoffMaxMs    int
	JitterMs        int
	RateLimitPerSec float64
	RateBurst       int
}

// Request is one outbound gateway call. Non-idempotent requests (order
// placement, cancellation) must carry an IdempotencyKey so a retry after an
// ambiguous failure cannot create a duplicate order; requests with neither
// Idempotent nor a key are attempted exactly once.
type Request struct {
	Method         string
	URL            string
	Body           any // marshaled to JSON when non-nil
	Header         map[string]string
	Idempotent     bool
	IdempotencyKey string
}

// Response is the raw gateway reply for a 2xx outcome.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport wraps every outbound call with rate limiting, bounded retries
// with exponential backoff plus jitter, and one re-authentication attempt
// on auth failures. All gateway callers share a single Transport.
type Transport struct {
	client    *http.Client
	limiter   *rate.Limiter
	cfg       Config
	refresher Refresher
	log       zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Transport. refresher may be nil for pre-auth calls.
func New(client *http.Client, cfg Config, refresher Refresher, log zerolog.Logger) *Transport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 200
	}
	if cfg.BackoffMaxMs <= 0 {
		cfg.BackoffMaxMs = 5000
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Transport{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateBurst),
		cfg:       cfg,
		refresher: refresher,
		log:       log.With().Str("component", "transport").Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do performs the request with retry and auth-refresh handling.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	canRetry := req.Idempotent || req.IdempotencyKey != ""
	authRetried := false
	var lastErr error

	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := t.doOnce(ctx, req, body)
		if err == nil {
			switch {
			case resp.StatusCode < 300:
				return resp, nil

			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				if authRetried || t.refresher == nil {
					return nil, ErrAuthRejected
				}
				authRetried = true
				if rerr := t.refresher.ForceRefresh(ctx); rerr != nil {
					return nil, rerr
				}
				// One immediate retry with the refreshed session; does not
				// consume the transient retry budget.
				attempt--
				continue

			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("gateway status %d", resp.StatusCode)

			default:
				return nil, &BrokerRejection{StatusCode: resp.StatusCode, Body: string(resp.Body)}
			}
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}

		if !canRetry {
			return nil, &TransientNetworkError{Attempts: attempt, Err: lastErr}
		}
		if attempt == t.cfg.MaxAttempts {
			break
		}

		delay := t.backoff(attempt)
		t.log.Warn().
			Err(lastErr).
			Str("method", req.Method).
			Str("url", req.URL).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("retrying gateway call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &TransientNetworkError{Attempts: t.cfg.MaxAttempts, Err: lastErr}
}

func (t *Transport) doOnce(ctx context.Context, req Request, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: b}, nil
}

func (t *Transport) backoff(attempt int) time.Duration {
	ms := t.cfg.BackoffBaseMs << (attempt - 1)
	if ms > t.cfg.BackoffMaxMs {
		ms = t.cfg.BackoffMaxMs
	}
	if t.cfg.JitterMs > 0 {
		t.mu.Lock()
		ms += t.rng.Intn(t.cfg.JitterMs)
		t.mu.Unlock()
	}
	return time.Duration(ms) * time.Millisecond
}
