// Package config loads the process configuration from environment
// variables, following the plain getenv-helper pattern used by the rest
// of this codebase's standalone services rather than a flag/viper stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DBModeLocal = "local"
	DBModeMock  = "mock"

	CheckpointBackendFile   = "file"
	CheckpointBackendMemory = "memory"
)

// Broker holds MQTT ingress connectivity settings.
type Broker struct {
	Host        string
	Port        int
	User        string
	Password    string
	TopicFilter string
	TLSCA       string
}

// DB holds store connectivity and CDC binding settings.
type DB struct {
	ConnInfo        string
	AppUser         string
	CDCUser         string
	PublicationName string
	SlotName        string
	Mode            string
}

// CDC holds debounce and checkpoint configuration.
type CDC struct {
	WindowSeconds       time.Duration
	FlushIntervalSeconds time.Duration
	BufferCap           int
	IdleSleepSeconds    time.Duration
	MaxBatchMessages    int
	CheckpointBackend   string
	ResumePath          string
	ResumeFsync         bool
}

// Egress holds throttling, retry, breaker, session, and dataset settings.
type Egress struct {
	BaseURL                  string
	APIToken                 string
	ClientID                 string
	Historians               []string
	EndpointPath             string
	RateLimitRPS             float64
	QueueCapacity            int
	MaxBatchTags             int
	MaxPayloadBytes          int
	RequestTimeoutSeconds    time.Duration
	RetryAttempts            int
	RetryBaseDelay           time.Duration
	RetryMaxDelay            time.Duration
	CircuitConsecutiveFailures int
	CircuitResetSeconds      time.Duration
	SessionTimeoutMS         int
	KeepaliveIdleSeconds     time.Duration
	KeepaliveJitterSeconds   time.Duration
	DatasetPrefix            string
	DatasetOverride          string
	AutoCreateDatasets       bool
}

// DLQ holds dead-letter retention and operator-tool settings.
type DLQ struct {
	TTLSeconds       time.Duration
	AlertThreshold   int
	ReplayBatchSize  int
}

// Identity holds path-normalizer tuning and a fallback site
// classification. The ISA-95-style country/business-unit/plant
// dimensions a UNS path encodes are normally carried as metric
// properties on the birth frame itself (see ingest's Pipeline.classify);
// these three are only consulted when a frame omits them, for
// deployments where the site is fixed for the life of the process.
type Identity struct {
	IncludeChecksum bool
	Country         string
	BusinessUnit    string
	Plant           string
}

// Settings is the fully resolved process configuration.
type Settings struct {
	Broker   Broker
	DB       DB
	CDC      CDC
	Egress   Egress
	DLQ      DLQ
	Identity Identity

	LogLevel         string
	MetricsListenAddr string
}

// Load reads .env (if present) and the process environment into a
// Settings value, applying the same defaulting and coercion rules as the
// original Python settings loader this service's config surface is
// modeled on.
func Load() (Settings, error) {
	_ = godotenv.Load()

	s := Settings{
		Broker: Broker{
			Host:        getenv("BROKER_HOST", "localhost"),
			Port:        getenvInt("BROKER_PORT", 8883),
			User:        getenv("BROKER_USER", ""),
			Password:    getenv("BROKER_PASSWORD", ""),
			TopicFilter: getenv("BROKER_TOPIC_FILTER", "spBv1.0/+/+/+/+"),
			TLSCA:       getenv("BROKER_TLS_CA", ""),
		},
		DB: DB{
			ConnInfo:        getenv("DB_CONNINFO", "postgres://localhost:5432/uns_metadata"),
			AppUser:         getenv("DB_APP_USER", "uns_app"),
			CDCUser:         getenv("DB_CDC_USER", "uns_cdc"),
			PublicationName: getenv("DB_PUBLICATION_NAME", "uns_metadata_sync_cdc"),
			SlotName:        getenv("DB_SLOT_NAME", "uns_metadata_slot"),
			Mode:            coerceDBMode(getenv("DB_MODE", DBModeLocal)),
		},
		CDC: CDC{
			WindowSeconds:        getenvSeconds("CDC_WINDOW_SECONDS", 180),
			FlushIntervalSeconds: getenvSeconds("CDC_FLUSH_INTERVAL_SECONDS", 50),
			BufferCap:            getenvInt("CDC_BUFFER_CAP", 50000),
			IdleSleepSeconds:     getenvSeconds("CDC_IDLE_SLEEP_SECONDS", 1),
			MaxBatchMessages:     getenvInt("CDC_MAX_BATCH_MESSAGES", 1000),
			CheckpointBackend:    coerceCheckpointBackend(getenv("CDC_CHECKPOINT_BACKEND", CheckpointBackendFile)),
			ResumePath:           getenv("CDC_RESUME_PATH", "./data/resume_token.json"),
			ResumeFsync:          getenvBool("CDC_RESUME_FSYNC", false),
		},
		Egress: Egress{
			BaseURL:                    getenv("EGRESS_BASE_URL", ""),
			APIToken:                   getenv("EGRESS_API_TOKEN", ""),
			ClientID:                   getenv("EGRESS_CLIENT_ID", "uns-metadata-sync"),
			Historians:                 splitCSV(getenv("EGRESS_HISTORIANS", "")),
			EndpointPath:               getenv("EGRESS_ENDPOINT_PATH", "/storeData"),
			RateLimitRPS:               getenvFloat("EGRESS_RATE_LIMIT_RPS", 500),
			QueueCapacity:              getenvInt("EGRESS_QUEUE_CAPACITY", 1000),
			MaxBatchTags:               getenvInt("EGRESS_MAX_BATCH_TAGS", 100),
			MaxPayloadBytes:            getenvInt("EGRESS_MAX_PAYLOAD_BYTES", 1_000_000),
			RequestTimeoutSeconds:      getenvSeconds("EGRESS_REQUEST_TIMEOUT_SECONDS", 10),
			RetryAttempts:              getenvInt("EGRESS_RETRY_ATTEMPTS", 6),
			RetryBaseDelay:             getenvMillis("EGRESS_RETRY_BASE_DELAY_MS", 200),
			RetryMaxDelay:              getenvMillis("EGRESS_RETRY_MAX_DELAY_MS", 6400),
			CircuitConsecutiveFailures: getenvInt("EGRESS_CIRCUIT_CONSECUTIVE_FAILURES", 20),
			CircuitResetSeconds:        getenvSeconds("EGRESS_CIRCUIT_RESET_SECONDS", 60),
			SessionTimeoutMS:           getenvInt("EGRESS_SESSION_TIMEOUT_MS", 30000),
			KeepaliveIdleSeconds:       getenvSeconds("EGRESS_KEEPALIVE_IDLE_SECONDS", 60),
			KeepaliveJitterSeconds:     getenvSeconds("EGRESS_KEEPALIVE_JITTER_SECONDS", 5),
			DatasetPrefix:              getenv("EGRESS_DATASET_PREFIX", "Canary"),
			DatasetOverride:            getenv("EGRESS_DATASET_OVERRIDE", ""),
			AutoCreateDatasets:         getenvBool("EGRESS_AUTO_CREATE_DATASETS", false),
		},
		DLQ: DLQ{
			TTLSeconds:      getenvSeconds("DLQ_TTL_SECONDS", 7*24*3600),
			AlertThreshold:  getenvInt("DLQ_ALERT_THRESHOLD", 1000),
			ReplayBatchSize: getenvInt("DLQ_REPLAY_BATCH_SIZE", 200),
		},
		Identity: Identity{
			IncludeChecksum: getenvBool("IDENTITY_INCLUDE_CHECKSUM", false),
			Country:         getenv("IDENTITY_COUNTRY", ""),
			BusinessUnit:    getenv("IDENTITY_BUSINESS_UNIT", ""),
			Plant:           getenv("IDENTITY_PLANT", ""),
		},
		LogLevel:          getenv("LOG_LEVEL", "info"),
		MetricsListenAddr: getenv("METRICS_LISTEN_ADDR", ":9090"),
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.Broker.Host == "" {
		return fmt.Errorf("config: BROKER_HOST must not be empty")
	}
	if s.DB.ConnInfo == "" {
		return fmt.Errorf("config: DB_CONNINFO must not be empty")
	}
	if s.CDC.WindowSeconds <= 0 {
		return fmt.Errorf("config: CDC_WINDOW_SECONDS must be positive")
	}
	return nil
}

func coerceDBMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case DBModeMock:
		return DBModeMock
	default:
		return DBModeLocal
	}
}

func coerceCheckpointBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case CheckpointBackendMemory:
		return CheckpointBackendMemory
	default:
		return CheckpointBackendFile
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}

func getenvMillis(key string, defMillis int) time.Duration {
	return time.Duration(getenvInt(key, defMillis)) * time.Millisecond
}
