package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AuthClient speaks the gateway's session endpoints directly, without the
// retrying transport: retry policy for authentication belongs to the
// session manager, and these calls must work before any session exists.
type AuthClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewAuthClient(baseURL string, client *http.Client, log zerolog.Logger) *AuthClient {
	return &AuthClient{
		baseURL: baseURL,
		client:  client,
		log:     log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate opens a gateway session and returns its token and lifetime.
func (a *AuthClient) Authenticate(ctx context.Context) (string, time.Duration, error) {
	var result struct {
		Token      string `json:"token"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := a.post(ctx, "/session", "", &result); err != nil {
		return "", 0, fmt.Errorf("failed to authenticate: %w", err)
	}
	if result.Token == "" {
		return "", 0, fmt.Errorf("gateway returned empty session token")
	}
	ttl := time.Duration(result.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return result.Token, ttl, nil
}

// KeepAlive pings the gateway so the session's idle timer resets.
func (a *AuthClient) KeepAlive(ctx context.Context, token string) error {
	return a.post(ctx, "/tickle", token, nil)
}

// Logout closes the session on the gateway side.
func (a *AuthClient) Logout(ctx context.Context, token string) error {
	return a.post(ctx, "/logout", token, nil)
}

func (a *AuthClient) post(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
