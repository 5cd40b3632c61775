// Package dlq implements the dead-letter store (C12): a durable,
// TTL-bounded record of egress payloads the client gave up on, with
// operator-invoked replay back through the egress client.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/metrics"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

// Store persists dead-lettered egress payloads and replays them on
// operator request. It satisfies egress.DeadLetterSink without importing
// the egress package, avoiding an import cycle (egress -> dlq would be
// the natural direction if Store needed to call back into the client;
// instead the wiring happens one level up, in the CLI's buildEgressClient).
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	warnDepthThreshold int
}

func New(pool *pgxpool.Pool, ttl time.Duration, warnDepthThreshold int) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{pool: pool, ttl: ttl, warnDepthThreshold: warnDepthThreshold}
}

// dlqPayload is the durable encoding of a dead-lettered AggregatedDiff;
// it round-trips through canary_dlq.payload as JSON so a replay can
// reconstruct the exact diff without re-deriving it from the store.
type dlqPayload struct {
	MetricKey   int64                         `json:"metric_key"`
	CanaryID    string                        `json:"canary_id"`
	UNSPath     string                        `json:"uns_path"`
	Versions    []int64                       `json:"versions"`
	Changes     map[string]model.PropertyValue `json:"changes"`
	Deleted     map[string]bool               `json:"deleted"`
	EventIDs    []string                      `json:"event_ids"`
	LatestActor string                        `json:"latest_actor"`
}

// DeadLetter inserts a new pending row. It is called synchronously from
// the egress client's failure path, so it never blocks on anything
// slower than a single-row insert; any error here is logged, not
// propagated, since the caller has already decided the diff's delivery
// outcome.
func (s *Store) DeadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string) {
	payload := dlqPayload{
		MetricKey:   diff.MetricKey,
		CanaryID:    diff.CanaryID,
		UNSPath:     diff.UNSPath,
		Versions:    diff.Versions,
		Changes:     diff.Changes,
		Deleted:     diff.Deleted,
		EventIDs:    diff.EventIDs,
		LatestActor: diff.LatestActor,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		logger.For(logger.ComponentDLQ).Errorw("failed to marshal dead-lettered payload", "error", err, "uns_path", diff.UNSPath)
		return
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO canary_dlq (id, payload, error_kind, error_detail, attempts, first_failed_at, expires_at, status)
		VALUES ($1, $2, $3, $4, 1, $5, $6, 'pending')`,
		uuid.NewString(), encoded, string(kind), detail, now, now.Add(s.ttl))
	if err != nil {
		logger.For(logger.ComponentDLQ).Errorw("failed to persist dead-lettered payload", "error", err, "uns_path", diff.UNSPath)
		return
	}

	s.reportDepth(ctx)
}

func (s *Store) reportDepth(ctx context.Context) {
	var depth int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM canary_dlq WHERE status = 'pending'`).Scan(&depth); err != nil {
		return
	}
	metrics.DLQDepth.Set(float64(depth))
	if s.warnDepthThreshold > 0 && depth >= s.warnDepthThreshold {
		logger.For(logger.ComponentDLQ).Warnw("dead-letter queue depth exceeds warning threshold", "depth", depth, "threshold", s.warnDepthThreshold)
	}
}

// PendingBatch returns up to limit pending, non-expired rows for an
// operator-invoked replay, oldest first.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]model.DLQEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, error_kind, error_detail, attempts, first_failed_at, expires_at, status
		FROM canary_dlq
		WHERE status = 'pending' AND expires_at > now()
		ORDER BY first_failed_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, errs.New(errs.KindUnrecoverable, "query pending dead letters", err)
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var status string
		if err := rows.Scan(&e.ID, &e.Payload, &e.ErrorKind, &e.ErrorDetail, &e.Attempts, &e.FirstFailedAt, &e.ExpiresAt, &status); err != nil {
			return nil, errs.New(errs.KindUnrecoverable, "scan dead letter row", err)
		}
		e.Status = model.DLQStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DecodePayload reconstructs the AggregatedDiff carried by a DLQEntry
// so a replay can re-enter the egress client at Deliver.
func DecodePayload(entry model.DLQEntry) (model.AggregatedDiff, error) {
	var p dlqPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return model.AggregatedDiff{}, errs.New(errs.KindUnrecoverable, "decode dead letter payload", err)
	}
	return model.AggregatedDiff{
		MetricKey:   p.MetricKey,
		CanaryID:    p.CanaryID,
		UNSPath:     p.UNSPath,
		Versions:    p.Versions,
		Changes:     p.Changes,
		Deleted:     p.Deleted,
		EventIDs:    p.EventIDs,
		LatestActor: p.LatestActor,
	}, nil
}

// MarkReplayed transitions a row to replayed after a successful
// redelivery.
func (s *Store) MarkReplayed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE canary_dlq SET status = 'replayed' WHERE id = $1`, id)
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "mark dead letter replayed", err)
	}
	s.reportDepth(ctx)
	return nil
}

// BumpAttempts records a failed replay attempt without changing status,
// so the next replay run picks the row up again until it expires.
func (s *Store) BumpAttempts(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE canary_dlq SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "bump dead letter attempts", err)
	}
	return nil
}

// ExpirePastDue marks rows whose TTL has elapsed as expired, returning
// the number of rows affected.
func (s *Store) ExpirePastDue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE canary_dlq SET status = 'expired' WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, errs.New(errs.KindUnrecoverable, "expire dead letters", err)
	}
	s.reportDepth(ctx)
	return tag.RowsAffected(), nil
}
