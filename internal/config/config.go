package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	UploadModeImmediate = "immediate"
	UploadModeDeferred  = "deferred"

	MultiPatientWarn  = "warn"
	MultiPatientError = "error"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`

	DataBase         string `env:"DATA_BASE,default=/data"`
	DataInputFolders string `env:"DATA_INPUT_FOLDERS"`
	MediaRoot        string `env:"MEDIA_ROOT,default=/var/www/images"`

	DeidentifyRestful bool   `env:"DEIDENTIFY_RESTFUL,default=true"`
	DeidentifyPixels  bool   `env:"DEIDENTIFY_PIXELS,default=false"`
	PixelWhitelist    string `env:"PIXEL_WHITELIST"`
	EntityIDField     string `env:"ENTITY_ID,default=PatientID"`
	ItemIDField       string `env:"ITEM_ID,default=SOPInstanceUID"`
	CodedFields       string `env:"CODED_FIELDS,default=AccessionNumber"`
	DefaultStudy      string `env:"DEFAULT_STUDY,default=test"`
	DeidPolicy        string `env:"DEID_POLICY,default=dicom.blacklist"`
	DeidPolicyFile    string `env:"DEID_POLICY_FILE"`
	MultiPatient      string `env:"MULTI_PATIENT_POLICY,default=warn"`

	IdentifierURL        string `env:"IDENTIFIER_URL,default=http://localhost:8000"`
	IdentifierToken      string `env:"IDENTIFIER_TOKEN"`
	IdentifierChunkSize  int    `env:"IDENTIFIER_CHUNK_SIZE,default=950"`
	IdentifierRatePerSec int    `env:"IDENTIFIER_RATE_PER_SEC,default=10"`
	StorageRatePerSec    int    `env:"STORAGE_RATE_PER_SEC,default=20"`

	SendToStorage     bool   `env:"SEND_TO_STORAGE,default=true"`
	SendToOrthanc     bool   `env:"SEND_TO_ORTHANC,default=false"`
	OrthancURL        string `env:"ORTHANC_URL,default=http://localhost:8042"`
	GCPProject        string `env:"GCP_PROJECT"`
	GCSBucket         string `env:"GCS_BUCKET,default=sendit-dicom"`
	GCSEmulatorHost   string `env:"GCS_EMULATOR_HOST"`
	GCSCollection     string `env:"GCS_COLLECTION,default=sendit"`
	StoragePermission string `env:"STORAGE_PERMISSION,default=projectPrivate"`
	UploadAgent       string `env:"UPLOAD_AGENT,default=STARR:SENDITClient"`
	UploadMode        string `env:"UPLOAD_MODE,default=immediate"`
	UploadGroups      int    `env:"UPLOAD_GROUPS,default=16"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY,default=1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY,default=10s"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=5"`
	WorkerPrefetch    int           `env:"WORKER_PREFETCH,default=1"`
	WatcherInterval   time.Duration `env:"WATCHER_INTERVAL,default=30s"`
	WatcherBatchLimit int           `env:"WATCHER_BATCH_LIMIT,default=10"`
	WatcherLockFile   string        `env:"WATCHER_LOCK_FILE,default=/tmp/sendit-watcher.lock"`
	WatcherPIDFile    string        `env:"WATCHER_PID_FILE,default=/tmp/sendit-watcher.pid"`
	HTTPPort          int           `env:"HTTP_PORT,default=8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.UploadMode {
	case UploadModeImmediate, UploadModeDeferred:
	default:
		return fmt.Errorf("invalid UPLOAD_MODE %q", c.UploadMode)
	}
	switch c.MultiPatient {
	case MultiPatientWarn, MultiPatientError:
	default:
		return fmt.Errorf("invalid MULTI_PATIENT_POLICY %q", c.MultiPatient)
	}
	if c.IdentifierChunkSize < 1 {
		return fmt.Errorf("IDENTIFIER_CHUNK_SIZE must be positive, got %d", c.IdentifierChunkSize)
	}
	if strings.TrimSpace(c.EntityIDField) == "" || strings.TrimSpace(c.ItemIDField) == "" {
		return fmt.Errorf("ENTITY_ID and ITEM_ID are required")
	}
	return nil
}

// InputFolders returns the configured subfolders of DataBase to scan.
func (c *Config) InputFolders() []string {
	return splitList(c.DataInputFolders)
}

// PixelWhitelistRules returns the Field=Value criteria that exempt an image
// from the burned-in annotation filter.
func (c *Config) PixelWhitelistRules() []string {
	return splitList(c.PixelWhitelist)
}

func (c *Config) CodedFieldNames() []string {
	return splitList(c.CodedFields)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
