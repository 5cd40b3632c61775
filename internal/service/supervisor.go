// Package service hosts the long-lived process: the independent tasks
// named in section 5's scheduling model (MQTT intake, the ingest
// pipeline, the CDC stream reader, the debounce sweep, the egress
// fan-out, and session keepalive), plus the /healthz and /readyz HTTP
// endpoints. Tasks communicate only through bounded queues; there is no
// shared mutable state between them beyond what each dependency already
// guards internally.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/cdc"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/egress"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/ingest"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

// DeadLetterSink is the subset of dlq.Store the supervisor needs to
// hand off a diff the egress queue itself could not admit.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string)
}

// Dependencies bundles the already-constructed components each task
// drives. Wiring them (opening the pool, building the repository, the
// alias cache, the egress client) is the CLI's job; the supervisor only
// runs what it is given.
type Dependencies struct {
	MQTT     *ingest.MQTTClient
	Pipeline *ingest.Pipeline

	CDCListener    *cdc.Listener
	DebounceBuffer *cdc.DebounceBuffer
	CanaryOf       func(metricKey string) (canaryID, unsPath string)

	EgressClient        *egress.Client
	EgressWorkers       int
	EgressQueueCapacity int
	DeadLetters         DeadLetterSink

	Sessions *egress.SessionManager

	DebounceFlushInterval time.Duration
	SessionPollInterval   time.Duration
	ShutdownGrace         time.Duration

	HealthAddr string
}

func (d *Dependencies) applyDefaults() {
	if d.EgressWorkers <= 0 {
		d.EgressWorkers = 4
	}
	if d.EgressQueueCapacity <= 0 {
		d.EgressQueueCapacity = 1000
	}
	if d.DebounceFlushInterval <= 0 {
		d.DebounceFlushInterval = 5 * time.Second
	}
	if d.SessionPollInterval <= 0 {
		d.SessionPollInterval = 10 * time.Second
	}
	if d.ShutdownGrace <= 0 {
		d.ShutdownGrace = 10 * time.Second
	}
	if d.HealthAddr == "" {
		d.HealthAddr = ":8080"
	}
}

// Supervisor runs every task until ctx is cancelled, then waits up to
// ShutdownGrace for in-flight work to drain before returning.
type Supervisor struct {
	deps        Dependencies
	egressQueue chan model.AggregatedDiff
	health      *healthServer
}

func New(deps Dependencies) *Supervisor {
	deps.applyDefaults()
	return &Supervisor{
		deps:        deps,
		egressQueue: make(chan model.AggregatedDiff, deps.EgressQueueCapacity),
		health:      newHealthServer(deps.HealthAddr, deps.CDCListener, deps.EgressClient),
	}
}

// Run blocks until ctx is cancelled or any task returns an unrecoverable
// error, at which point every other task's context is also cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logger.For(logger.ComponentService)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runIngest(gctx) })
	g.Go(func() error { return s.deps.CDCListener.Run(gctx) })
	g.Go(func() error { s.runDebounceSweep(gctx); return nil })
	g.Go(func() error { s.runSessionKeepalive(gctx); return nil })
	g.Go(func() error { return s.health.Run(gctx) })
	for i := 0; i < s.deps.EgressWorkers; i++ {
		g.Go(func() error { s.runEgressWorker(gctx); return nil })
	}

	err := g.Wait()
	log.Infow("all tasks stopped, draining egress queue", "grace", s.deps.ShutdownGrace)
	s.drainEgress()
	return err
}

func (s *Supervisor) runIngest(ctx context.Context) error {
	if err := s.deps.MQTT.Connect(ctx); err != nil {
		return err
	}
	defer s.deps.MQTT.Close()
	s.deps.Pipeline.Run(ctx, s.deps.MQTT.Messages())
	return nil
}

func (s *Supervisor) runDebounceSweep(ctx context.Context) {
	log := logger.For(logger.ComponentService)
	ticker := time.NewTicker(s.deps.DebounceFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, diff := range s.deps.DebounceBuffer.FlushDue(s.deps.CanaryOf) {
				s.enqueueEgress(ctx, diff, log)
			}
		}
	}
}

// enqueueEgress never blocks the sweep: a full queue dead-letters the
// diff directly rather than stalling debounce flushes behind a slow
// historian, matching the non-blocking-queue contract used throughout
// this service's tasks.
func (s *Supervisor) enqueueEgress(ctx context.Context, diff model.AggregatedDiff, log *zap.SugaredLogger) {
	select {
	case s.egressQueue <- diff:
	case <-ctx.Done():
	default:
		log.Warnw("egress queue full, dead-lettering diff", "uns_path", diff.UNSPath)
		if s.deps.DeadLetters != nil {
			s.deps.DeadLetters.DeadLetter(ctx, diff, errs.KindQueueFull, "egress queue full")
		}
	}
}

func (s *Supervisor) runEgressWorker(ctx context.Context) {
	log := logger.For(logger.ComponentService)
	for {
		select {
		case <-ctx.Done():
			return
		case diff, ok := <-s.egressQueue:
			if !ok {
				return
			}
			if _, err := s.deps.EgressClient.Deliver(ctx, diff); err != nil {
				log.Errorw("egress delivery failed", "uns_path", diff.UNSPath, "error", err)
			}
		}
	}
}

// runSessionKeepalive periodically touches the session manager so its
// lazily-triggered idle-based keepalive actually fires; SessionManager
// itself only checks idle age from inside Token, so something has to
// call Token on a schedule even when nothing is being delivered.
func (s *Supervisor) runSessionKeepalive(ctx context.Context) {
	if s.deps.Sessions == nil {
		return
	}
	log := logger.For(logger.ComponentService)
	ticker := time.NewTicker(s.deps.SessionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.deps.Sessions.Token(ctx); err != nil {
				log.Warnw("session keepalive failed", "error", err)
			}
		}
	}
}

// drainEgress gives in-flight egress sends up to ShutdownGrace to
// finish, then stops waiting; anything still queued is picked up by the
// historian on the next process start since nothing has acknowledged it yet.
func (s *Supervisor) drainEgress() {
	deadline := time.NewTimer(s.deps.ShutdownGrace)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return
		default:
			if len(s.egressQueue) == 0 {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}
