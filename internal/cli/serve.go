package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/cdc"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/config"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/ingest"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/repository"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/service"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/sparkplug"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived pipeline: MQTT intake, CDC debounce, and historian egress, until an interrupt signal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			supervisor, cleanup, err := buildSupervisor(ctx, settings)
			if err != nil {
				return err
			}
			defer cleanup()

			return supervisor.Run(ctx)
		},
	}
	return cmd
}

// buildSupervisor wires every long-lived dependency serve needs from
// Settings. The returned cleanup closes the connection pool and revokes
// the egress session; callers should defer it even if Run itself never
// returns an error.
func buildSupervisor(ctx context.Context, settings config.Settings) (*service.Supervisor, func(), error) {
	pool, err := openPool(ctx, settings)
	if err != nil {
		return nil, func() {}, err
	}

	repo := repository.New(pool, settings.Identity.IncludeChecksum)
	dlqStore := openDLQStore(pool, settings)

	brokerURL := fmt.Sprintf("tcp://%s:%d", settings.Broker.Host, settings.Broker.Port)
	mqttClient := ingest.NewMQTTClient(ingest.MQTTSettings{
		BrokerURLs:  []string{brokerURL},
		ClientID:    "uns-metadata-sync",
		Username:    settings.Broker.User,
		Password:    settings.Broker.Password,
		TopicFilter: settings.Broker.TopicFilter,
		TLSCA:       settings.Broker.TLSCA,
	})

	aliases := sparkplug.NewAliasCache("./data/alias_cache.json", 0, rebirthPublisher(mqttClient))

	pipeline := ingest.NewPipeline(ingest.Dependencies{
		Aliases:         aliases,
		Repo:            repo,
		IncludeChecksum: settings.Identity.IncludeChecksum,
		Fallback: ingest.FallbackClassification{
			Country:      settings.Identity.Country,
			BusinessUnit: settings.Identity.BusinessUnit,
			Plant:        settings.Identity.Plant,
		},
	})

	checkpoints, err := buildCheckpointStore(settings)
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}

	debounceBuffer := cdc.NewDebounceBuffer(settings.CDC.WindowSeconds, settings.CDC.BufferCap, nil)
	dedup := cdc.NewDedupFilter(settings.CDC.MaxBatchMessages)
	handler := cdc.NewMetricVersionHandler(debounceBuffer, dedup)
	// connString must carry replication=database for logical replication;
	// operators configure that in DB_CONNINFO alongside the CDC role's credentials.
	cdcListener := cdc.NewListener(settings.DB.ConnInfo, settings.DB.SlotName, settings.DB.PublicationName, checkpoints, handler, settings.CDC.ResumeFsync)

	egressClient, sessions, err := buildEgressClient(settings, dlqStore)
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}

	supervisor := service.New(service.Dependencies{
		MQTT:     mqttClient,
		Pipeline: pipeline,

		CDCListener:    cdcListener,
		DebounceBuffer: debounceBuffer,
		CanaryOf:       cdc.CanaryResolver(ctx, repo),

		EgressClient:        egressClient,
		EgressQueueCapacity: settings.Egress.QueueCapacity,
		DeadLetters:         dlqStore,

		Sessions: sessions,

		DebounceFlushInterval: settings.CDC.FlushIntervalSeconds,
		HealthAddr:            settings.MetricsListenAddr,
	})

	cleanup := func() {
		sessions.Revoke(context.Background())
		aliases.Close()
		pool.Close()
	}
	return supervisor, cleanup, nil
}

func buildCheckpointStore(settings config.Settings) (cdc.CheckpointStore, error) {
	if settings.CDC.CheckpointBackend == config.CheckpointBackendMemory {
		return cdc.NewMemoryCheckpointStore(), nil
	}
	return cdc.NewFileCheckpointStore(settings.CDC.ResumePath, settings.CDC.ResumeFsync)
}

// rebirthPublisher publishes a Node Control/Rebirth command to the
// node (or device, when the alias cache's miss was device-scoped)
// that owns an unresolved alias, per §4.2's UnknownAlias policy.
func rebirthPublisher(mqttClient *ingest.MQTTClient) func(sparkplug.RebirthRequest) {
	return func(req sparkplug.RebirthRequest) {
		topic := fmt.Sprintf("spBv1.0/%s/NCMD/%s", req.Group, req.Edge)
		if req.Device != "" {
			topic = fmt.Sprintf("spBv1.0/%s/DCMD/%s/%s", req.Group, req.Edge, req.Device)
		}
		if err := mqttClient.Publish(topic, sparkplug.EncodeRebirthCommand(time.Now())); err != nil {
			logger.For(logger.ComponentIngest).Warnw("rebirth command publish failed", "topic", topic, "error", err)
		}
	}
}
