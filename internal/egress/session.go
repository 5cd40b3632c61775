package egress

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

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// SessionManagerSettings configures a SessionManager. The three
// endpoint paths default to the historian's conventional names but are
// left configurable: the source spec leaves the exact historian route
// spelling unresolved, so callers pin it down per deployment rather
// than have the client guess.
type SessionManagerSettings struct {
	BaseURL                string
	APIToken               string
	ClientID               string
	Historians             []string
	SessionTimeout         time.Duration
	KeepAliveIdleThreshold time.Duration
	KeepAliveJitter        time.Duration

	GetTokenPath    string
	KeepAlivePath   string
	RevokeTokenPath string
}

func (s *SessionManagerSettings) applyDefaults() {
	if s.GetTokenPath == "" {
		s.GetTokenPath = "/getSessionToken"
	}
	if s.KeepAlivePath == "" {
		s.KeepAlivePath = "/keepAlive"
	}
	if s.RevokeTokenPath == "" {
		s.RevokeTokenPath = "/revokeSessionToken"
	}
	if s.ClientID == "" {
		s.ClientID = "uns-metadata-sync"
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = 60 * time.Second
	}
	if s.KeepAliveIdleThreshold <= 0 {
		s.KeepAliveIdleThreshold = 30 * time.Second
	}
}

// SessionManager owns the lifecycle of a single SAF session token:
// lazy acquisition, idle-triggered keepalive with jitter to avoid a
// thundering herd against the historian, and best-effort revocation on
// shutdown.
type SessionManager struct {
	settings SessionManagerSettings
	client   *http.Client
	clock    func() time.Time
	rng      *rand.Rand

	mu           sync.Mutex
	token        string
	lastActivity time.Time
	lastKeepAlive time.Time
}

func NewSessionManager(settings SessionManagerSettings, client *http.Client) (*SessionManager, error) {
	if settings.BaseURL == "" {
		return nil, errs.New(errs.KindValidation, "base URL must be provided", nil)
	}
	if settings.APIToken == "" {
		return nil, errs.New(errs.KindValidation, "API token must be provided", nil)
	}
	settings.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: settings.SessionTimeout + 5*time.Second}
	}
	now := time.Now()
	return &SessionManager{
		settings:      settings,
		client:        client,
		clock:         time.Now,
		rng:           rand.New(rand.NewSource(now.UnixNano())),
		lastActivity:  now,
		lastKeepAlive: now,
	}, nil
}

// Token returns a live session token, acquiring one or keeping an
// existing one alive as needed.
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		if err := m.acquireLocked(ctx); err != nil {
			return "", err
		}
	} else if err := m.maybeKeepAliveLocked(ctx); err != nil {
		// A failed keepAlive invalidates the token; the next call
		// reacquires rather than propagating a stale one.
		m.token = ""
		return "", err
	}
	if m.token == "" {
		return "", errs.New(errs.KindSessionInvalid, "failed to acquire session token", nil)
	}
	return m.token, nil
}

// MarkActivity resets the idle clock after a successful write, delaying
// the next keepalive.
func (m *SessionManager) MarkActivity() {
	m.mu.Lock()
	m.lastActivity = m.clock()
	m.mu.Unlock()
}

// Invalidate discards the cached token without contacting the
// historian, forcing the next Token call to reacquire.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

// Revoke tells the historian the session is done and clears the local
// token. Failure is logged, not returned: shutdown should not hang or
// error out over a best-effort courtesy call.
func (m *SessionManager) Revoke(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	m.token = ""
	m.mu.Unlock()

	if token == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{"sessionToken": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.settings.BaseURL+m.settings.RevokeTokenPath, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		logger.For(logger.ComponentSession).Debugw("session revoke request failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

func (m *SessionManager) acquireLocked(ctx context.Context) error {
	payload := map[string]any{
		"apiToken":   m.settings.APIToken,
		"clientId":   m.settings.ClientID,
		"historians": m.settings.Historians,
		"settings":   map[string]any{"clientTimeout": m.settings.SessionTimeout.Milliseconds()},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "marshal getSessionToken request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.settings.BaseURL+m.settings.GetTokenPath, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "build getSessionToken request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return errs.New(errs.KindTransientNetwork, "getSessionToken request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errs.New(errs.KindTransientNetwork, fmt.Sprintf("getSessionToken returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return errs.New(errs.KindSessionInvalid, fmt.Sprintf("getSessionToken returned %d", resp.StatusCode), nil)
	}

	var decoded struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return errs.New(errs.KindSessionInvalid, "decode getSessionToken response", err)
	}
	if decoded.SessionToken == "" {
		return errs.New(errs.KindSessionInvalid, "getSessionToken response missing sessionToken", nil)
	}

	m.token = decoded.SessionToken
	now := m.clock()
	m.lastActivity = now
	m.lastKeepAlive = now
	return nil
}

func (m *SessionManager) maybeKeepAliveLocked(ctx context.Context) error {
	now := m.clock()
	idle := now.Sub(m.lastActivity)
	if idle < m.settings.KeepAliveIdleThreshold {
		return nil
	}
	if m.settings.KeepAliveJitter > 0 {
		jitter := time.Duration(m.rng.Int63n(int64(m.settings.KeepAliveJitter)))
		if idle < m.settings.KeepAliveIdleThreshold+jitter {
			return nil
		}
	}

	body, _ := json.Marshal(map[string]string{"sessionToken": m.token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.settings.BaseURL+m.settings.KeepAlivePath, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "build keepAlive request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return errs.New(errs.KindTransientNetwork, "keepAlive request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return errs.New(errs.KindSessionInvalid, fmt.Sprintf("keepAlive returned %d", resp.StatusCode), nil)
	}

	m.lastKeepAlive = now
	m.lastActivity = now
	return nil
}
