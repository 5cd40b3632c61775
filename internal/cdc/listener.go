package cdc

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// State is one point in the listener's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateShutdown     State = "shutdown"
)

// Handler is invoked for each decoded row-level change, already
// filtered to the tables the publication carries.
type Handler func(ctx context.Context, change decodedChange) error

// Listener drives one logical-replication slot end to end: connect,
// stream, checkpoint, and reconnect with backoff on any transport
// error, per the Disconnected -> Connecting -> Streaming -> (Reconnecting
// | Shutdown) state machine.
type Listener struct {
	connString      string
	slotName        string
	publicationName string
	checkpoints     CheckpointStore
	handler         Handler
	fsyncOnShutdown bool

	state State
}

func NewListener(connString, slotName, publicationName string, checkpoints CheckpointStore, handler Handler, fsyncOnShutdown bool) *Listener {
	return &Listener{
		connString:      connString,
		slotName:        slotName,
		publicationName: publicationName,
		checkpoints:     checkpoints,
		handler:         handler,
		fsyncOnShutdown: fsyncOnShutdown,
		state:           StateDisconnected,
	}
}

func (l *Listener) State() State { return l.state }

// Run blocks, reconnecting with capped exponential backoff until ctx is
// cancelled, at which point it persists the final checkpoint (fsynced
// when configured) and returns nil.
func (l *Listener) Run(ctx context.Context) error {
	log := logger.For(logger.ComponentCDC)
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // reconnect indefinitely; caller controls lifetime via ctx

	for {
		if ctx.Err() != nil {
			l.state = StateShutdown
			return nil
		}

		l.state = StateConnecting
		lastLSN, err := l.stream(ctx)
		if ctx.Err() != nil {
			l.state = StateShutdown
			if lastLSN > 0 {
				if err := l.persist(lastLSN); err != nil {
					log.Errorw("final checkpoint persist failed", "error", err)
				}
			}
			return nil
		}

		l.state = StateReconnecting
		delay := policy.NextBackOff()
		log.Warnw("replication stream ended, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			l.state = StateShutdown
			return nil
		}
	}
}

// stream connects, starts replication from the last confirmed LSN, and
// processes messages until ctx is cancelled or a transport error occurs.
// It returns the last LSN it durably checkpointed.
func (l *Listener) stream(ctx context.Context) (uint64, error) {
	conn, err := pgconn.Connect(ctx, l.connString)
	if err != nil {
		return 0, errs.New(errs.KindTransientNetwork, "replication connect", err)
	}
	defer conn.Close(context.Background())

	startLSN, _, err := l.checkpoints.Load(l.slotName)
	if err != nil {
		return 0, errs.New(errs.KindUnrecoverable, "checkpoint load", err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf(
		"CREATE_REPLICATION_SLOT %s LOGICAL pgoutput", pgx.Identifier{l.slotName}.Sanitize(),
	)).ReadAll(); err != nil {
		log := logger.For(logger.ComponentCDC)
		log.Debugw("replication slot already exists, resuming", "slot", l.slotName, "error", err)
	}

	startCmd := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL %s (proto_version '1', publication_names '%s')",
		pgx.Identifier{l.slotName}.Sanitize(), formatLSN(startLSN), l.publicationName,
	)
	conn.Frontend().Send(&pgproto3.Query{String: startCmd})
	if err := conn.Frontend().Flush(); err != nil {
		return 0, errs.New(errs.KindTransientNetwork, "start replication flush", err)
	}

	l.state = StateStreaming
	decoder := newPgoutputDecoder()
	var lastLSN, persistedLSN uint64
	lastCheckpoint := time.Now()
	const checkpointInterval = 10 * time.Second

	for {
		if ctx.Err() != nil {
			if lastLSN > persistedLSN {
				if err := l.persist(lastLSN); err == nil {
					persistedLSN = lastLSN
				}
			}
			return persistedLSN, nil
		}

		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				if time.Since(lastCheckpoint) >= checkpointInterval && lastLSN > persistedLSN {
					if err := l.persist(lastLSN); err == nil {
						persistedLSN = lastLSN
					}
					lastCheckpoint = time.Now()
				}
				continue
			}
			return persistedLSN, errs.New(errs.KindTransientNetwork, "receive replication message", err)
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case 'w': // XLogData
			if len(cd.Data) < 25 {
				continue
			}
			walStart := binary.BigEndian.Uint64(cd.Data[1:9])
			payload := cd.Data[25:]
			change, err := decoder.Decode(walStart, payload)
			if err != nil {
				logger.For(logger.ComponentCDC).Warnw("dropping malformed replication message", "error", err)
				continue
			}
			if walStart > lastLSN {
				lastLSN = walStart
			}
			if change != nil && l.handler != nil {
				if err := l.handler(ctx, *change); err != nil {
					logger.For(logger.ComponentCDC).Errorw("cdc handler failed", "error", err)
				}
			}
		case 'k': // primary keepalive; reply so the server doesn't time us out
			if err := l.sendStandbyStatus(conn, lastLSN); err != nil {
				return persistedLSN, errs.New(errs.KindTransientNetwork, "standby status update", err)
			}
		}
	}
}

func (l *Listener) sendStandbyStatus(conn *pgconn.PgConn, lsn uint64) error {
	data := make([]byte, 0, 34)
	data = append(data, 'r')
	for i := 0; i < 3; i++ {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, lsn)
		data = append(data, buf...)
	}
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(time.Since(pgEpoch()).Microseconds()))
	data = append(data, tsBuf...)
	data = append(data, 0)

	conn.Frontend().Send(&pgproto3.CopyData{Data: data})
	return conn.Frontend().Flush()
}

func (l *Listener) persist(lsn uint64) error {
	if err := l.checkpoints.Save(l.slotName, lsn); err != nil {
		return errs.New(errs.KindUnrecoverable, "checkpoint save", err)
	}
	return nil
}

func formatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

func pgEpoch() time.Time {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
}
