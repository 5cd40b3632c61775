package egress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/metrics"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

// Outcome is the terminal disposition of one deliver call.
type Outcome string

const (
	Delivered   Outcome = "delivered"
	DeadLettered Outcome = "dead_lettered"
)

// DeadLetterSink receives diffs the client has given up on, tagged with
// the error.Kind that caused it; C12 implements persistence.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string)
}

// ClientSettings configures Client.
type ClientSettings struct {
	BaseURL               string
	WritePath             string
	RequestTimeout        time.Duration
	RateLimitRPS          float64
	BurstSize             int
	MaxPayloadBytes       int
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	CircuitFailThreshold  int
	CircuitResetTimeout   time.Duration
}

func (s *ClientSettings) applyDefaults() {
	if s.WritePath == "" {
		s.WritePath = "/storeData"
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 10 * time.Second
	}
	if s.RateLimitRPS <= 0 {
		s.RateLimitRPS = 500
	}
	if s.BurstSize <= 0 {
		s.BurstSize = int(s.RateLimitRPS)
	}
	if s.MaxPayloadBytes <= 0 {
		s.MaxPayloadBytes = 1_000_000
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 6
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = 200 * time.Millisecond
	}
	if s.RetryMaxDelay <= 0 {
		s.RetryMaxDelay = 6400 * time.Millisecond
	}
	if s.CircuitFailThreshold <= 0 {
		s.CircuitFailThreshold = 20
	}
	if s.CircuitResetTimeout <= 0 {
		s.CircuitResetTimeout = 60 * time.Second
	}
}

// Client composes session acquisition, dataset resolution, payload
// mapping, rate limiting, retry, and a circuit breaker into the single
// public operation Deliver.
type Client struct {
	settings ClientSettings
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *CircuitBreaker
	sessions *SessionManager
	datasets *DatasetResolver
	mapper   *Mapper
	deadLetters DeadLetterSink
}

func NewClient(settings ClientSettings, httpClient *http.Client, sessions *SessionManager, datasets *DatasetResolver, deadLetters DeadLetterSink) *Client {
	settings.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: settings.RequestTimeout}
	}
	return &Client{
		settings:    settings,
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(settings.RateLimitRPS), settings.BurstSize),
		breaker:     NewCircuitBreaker(settings.CircuitFailThreshold, settings.CircuitResetTimeout, nil),
		sessions:    sessions,
		datasets:    datasets,
		mapper:      NewMapper(settings.MaxPayloadBytes),
		deadLetters: deadLetters,
	}
}

// BreakerState reports the circuit breaker's current state, for the
// service supervisor's /readyz check.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Deliver sends one aggregated diff through the full pipeline:
// dataset resolution, payload mapping, a rate-limiter admission, and a
// retried send guarded by the circuit breaker.
func (c *Client) Deliver(ctx context.Context, diff model.AggregatedDiff) (Outcome, error) {
	if !c.breaker.Allow() {
		c.deadLetter(ctx, diff, errs.KindTransientNetwork, "circuit breaker open")
		return DeadLettered, nil
	}

	// The dataset lookup only confirms the path is routable; storeData
	// addresses by canary dot-path, not by dataset name.
	if _, err := c.datasets.Resolve(ctx, diff.UNSPath); err != nil {
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.KindDatasetNotFound {
			c.deadLetter(ctx, diff, errs.KindDatasetNotFound, err.Error())
			return DeadLettered, nil
		}
		return "", err
	}

	batch := BuildBatch([]model.AggregatedDiff{diff})

	sendErr := c.sendWithRetry(ctx, batch)
	metrics.CircuitBreakerState.Set(metrics.CircuitStateValue(string(c.breaker.State())))
	if sendErr == nil {
		c.breaker.RecordSuccess()
		metrics.CircuitBreakerState.Set(metrics.CircuitStateValue(string(c.breaker.State())))
		metrics.EgressRequestsTotal.WithLabelValues(string(Delivered)).Inc()
		return Delivered, nil
	}

	e, ok := sendErr.(*errs.Error)
	if ok && e.Kind == errs.KindValidation {
		c.deadLetter(ctx, diff, errs.KindValidation, sendErr.Error())
		metrics.EgressRequestsTotal.WithLabelValues(string(DeadLettered)).Inc()
		return DeadLettered, nil
	}

	c.breaker.RecordFailure()
	metrics.CircuitBreakerState.Set(metrics.CircuitStateValue(string(c.breaker.State())))
	c.deadLetter(ctx, diff, errs.KindTransientNetwork, sendErr.Error())
	metrics.EgressRequestsTotal.WithLabelValues(string(DeadLettered)).Inc()
	return DeadLettered, nil
}

func (c *Client) sendWithRetry(ctx context.Context, batch Batch) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.settings.RetryBaseDelay
	policy.MaxInterval = c.settings.RetryMaxDelay
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.settings.RetryAttempts)), ctx)

	return backoff.Retry(func() error {
		status, err := c.attemptSend(ctx, batch)
		if err != nil {
			return err
		}
		switch {
		case status >= 200 && status < 300:
			c.sessions.MarkActivity()
			return nil
		case status == http.StatusTooManyRequests:
			return errs.New(errs.KindTransientNetwork, fmt.Sprintf("storeData returned %d", status), nil)
		case status >= 400 && status < 500:
			return backoff.Permanent(errs.New(errs.KindValidation, fmt.Sprintf("storeData returned %d", status), nil))
		default:
			return errs.New(errs.KindTransientNetwork, fmt.Sprintf("storeData returned %d", status), nil)
		}
	}, bo)
}

// attemptSend performs one send, transparently refreshing the session
// once and retrying on a BadSessionToken signal (401/403) before
// returning to the caller's counted retry loop. This refresh does not
// consume a retry-budget attempt, matching the spec's "retry once
// without counting against the retry budget" rule.
func (c *Client) attemptSend(ctx context.Context, batch Batch) (int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, backoff.Permanent(errs.New(errs.KindUnrecoverable, "rate limiter wait", err))
		}

		token, err := c.sessions.Token(ctx)
		if err != nil {
			return 0, err
		}
		payload, err := c.mapper.BuildPayload(token, batch)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		status, err := c.send(ctx, payload)
		if err != nil {
			return 0, err
		}
		if status == 401 || status == 403 {
			c.sessions.Invalidate()
			if attempt == 0 {
				continue
			}
			return 0, backoff.Permanent(errs.New(errs.KindSessionInvalid, "session token rejected after refresh", nil))
		}
		return status, nil
	}
	return 0, backoff.Permanent(errs.New(errs.KindSessionInvalid, "session token rejected after refresh", nil))
}

func (c *Client) send(ctx context.Context, payload *WritePayload) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	encoded, err := marshalPayload(payload)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.settings.BaseURL+c.settings.WritePath, encoded)
	if err != nil {
		return 0, backoff.Permanent(errs.New(errs.KindUnrecoverable, "build storeData request", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.EgressRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, errs.New(errs.KindTransientNetwork, "storeData request failed", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) deadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string) {
	logger.For(logger.ComponentEgressClient).Warnw("dead-lettering diff", "uns_path", diff.UNSPath, "kind", kind, "detail", detail)
	if c.deadLetters != nil {
		c.deadLetters.DeadLetter(ctx, diff, kind, detail)
	}
}
