package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/config"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/dlq"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/egress"
)

// openPool opens the pgx connection pool every DB-backed subcommand
// shares, following the same pgxpool.New(ctx, connInfo) call the
// repository and dlq integration tests use against a real database.
func openPool(ctx context.Context, settings config.Settings) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, settings.DB.ConnInfo)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}
	return pool, nil
}

// buildEgressClient wires a session manager, dataset resolver, and
// client from Settings.Egress, sharing one underlying http.Client. Both
// replay-dlq and serve need the full egress stack, so this is the one
// place that assembles it.
func buildEgressClient(settings config.Settings, deadLetters egress.DeadLetterSink) (*egress.Client, *egress.SessionManager, error) {
	httpClient := &http.Client{Timeout: settings.Egress.RequestTimeoutSeconds}

	sessions, err := egress.NewSessionManager(egress.SessionManagerSettings{
		BaseURL:                settings.Egress.BaseURL,
		APIToken:               settings.Egress.APIToken,
		ClientID:               settings.Egress.ClientID,
		Historians:             settings.Egress.Historians,
		SessionTimeout:         time.Duration(settings.Egress.SessionTimeoutMS) * time.Millisecond,
		KeepAliveIdleThreshold: settings.Egress.KeepaliveIdleSeconds,
		KeepAliveJitter:        settings.Egress.KeepaliveJitterSeconds,
	}, httpClient)
	if err != nil {
		return nil, nil, fmt.Errorf("build session manager: %w", err)
	}

	datasets, err := egress.NewDatasetResolver(egress.DatasetResolverSettings{
		BaseURL:       settings.Egress.BaseURL,
		APIToken:      settings.Egress.APIToken,
		DatasetPrefix: settings.Egress.DatasetPrefix,
		Override:      settings.Egress.DatasetOverride,
		AutoCreate:    settings.Egress.AutoCreateDatasets,
	}, httpClient, sessions.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("build dataset resolver: %w", err)
	}

	client := egress.NewClient(egress.ClientSettings{
		BaseURL:              settings.Egress.BaseURL,
		WritePath:            settings.Egress.EndpointPath,
		RequestTimeout:       settings.Egress.RequestTimeoutSeconds,
		RateLimitRPS:         settings.Egress.RateLimitRPS,
		MaxPayloadBytes:      settings.Egress.MaxPayloadBytes,
		RetryAttempts:        settings.Egress.RetryAttempts,
		RetryBaseDelay:       settings.Egress.RetryBaseDelay,
		RetryMaxDelay:        settings.Egress.RetryMaxDelay,
		CircuitFailThreshold: settings.Egress.CircuitConsecutiveFailures,
		CircuitResetTimeout:  settings.Egress.CircuitResetSeconds,
	}, httpClient, sessions, datasets, deadLetters)

	return client, sessions, nil
}

func openDLQStore(pool *pgxpool.Pool, settings config.Settings) *dlq.Store {
	return dlq.New(pool, settings.DLQ.TTLSeconds, settings.DLQ.AlertThreshold)
}
