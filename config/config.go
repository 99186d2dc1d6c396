package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

const (
	BackendS3     = "s3"
	BackendMemory = "memory"

	URLBackendServer  = "server"
	URLBackendPresign = "presign"

	// MinS3PartSize is the smallest non-final multipart part S3 accepts.
	MinS3PartSize = 5 * 1024 * 1024
)

// Env holds the raw environment inputs. Sizes are human readable (8MiB, 4GB).
type Env struct {
	StoreBackend            string   `env:"RELAY_STORE_BACKEND,opt[s3,memory]"`
	Endpoint                string   `env:"RELAY_S3_ENDPOINT"`
	Region                  string   `env:"RELAY_S3_REGION"`
	Bucket                  string   `env:"RELAY_S3_BUCKET"`
	AccessKey               Secret   `env:"RELAY_S3_ACCESS_KEY"`
	SecretKey               Secret   `env:"RELAY_S3_SECRET_KEY"`
	PathStyle               bool     `env:"RELAY_S3_PATH_STYLE"`
	ChunkSize               string   `env:"RELAY_CHUNK_SIZE"`
	MaxFileSize             string   `env:"RELAY_MAX_FILE_SIZE"`
	URLExpirySeconds        int      `env:"RELAY_URL_EXPIRY_SECONDS"`
	ProgressIntervalSeconds int      `env:"RELAY_PROGRESS_INTERVAL_SECONDS"`
	ChunkTimeoutSeconds     int      `env:"RELAY_CHUNK_TIMEOUT_SECONDS"`
	ChunkRetries            *int     `env:"RELAY_CHUNK_RETRIES"`
	URLBackend              string   `env:"RELAY_URL_BACKEND,opt[server,presign]"`
	PublicBaseURL           string   `env:"RELAY_PUBLIC_BASE_URL"`
	SigningSecret           Secret   `env:"RELAY_SIGNING_SECRET"`
	IdentityKey             Secret   `env:"RELAY_IDENTITY_KEY"`
	ListenAddr              string   `env:"RELAY_LISTEN_ADDR"`
	CORSOrigins             []string `env:"RELAY_CORS_ORIGINS"`
	BackupBucket            string   `env:"RELAY_BACKUP_BUCKET"`
	NotifyQueueURL          string   `env:"RELAY_NOTIFY_QUEUE_URL"`
	ProgressWebhookURL      string   `env:"RELAY_PROGRESS_WEBHOOK_URL"`
	Tracing                 bool     `env:"RELAY_TRACING"`
	Debug                   bool     `env:"RELAY_DEBUG"`
}

// Config is the process-wide configuration. It is read once at startup and
// not modified afterwards.
type Config struct {
	StoreBackend     string
	Endpoint         string
	Region           string
	Bucket           string
	AccessKey        Secret
	SecretKey        Secret
	PathStyle        bool
	ChunkSizeBytes   int64
	MaxFileSize      int64
	URLExpiry        time.Duration
	ProgressInterval time.Duration
	ChunkTimeout     time.Duration
	ChunkRetries     int
	URLBackend       string
	PublicBaseURL    string
	SigningSecret    Secret
	IdentityKey      Secret
	ListenAddr       string
	CORSOrigins      []string
	BackupBucket     string
	NotifyQueueURL   string
	ProgressWebhook  string
	Tracing          bool
	Debug            bool
}

// Defaults ...
func Defaults() Env {
	return Env{
		StoreBackend:            BackendS3,
		ChunkSize:               "8MiB",
		MaxFileSize:             "4GB",
		URLExpirySeconds:        86400,
		ProgressIntervalSeconds: 5,
		ChunkTimeoutSeconds:     60,
		URLBackend:              URLBackendServer,
		ListenAddr:              ":8080",
	}
}

// Load reads the optional dotenv files into the process environment and
// parses the RELAY_* variables on top of the defaults.
func Load(getter EnvGetter, dotenvFiles ...string) (Config, error) {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	e := Defaults()
	if err := NewParser(withDefaults{getter: getter, defaults: e}).Parse(&e); err != nil {
		return Config{}, err
	}
	return e.Config()
}

// Config converts the raw inputs and validates the result.
func (e Env) Config() (Config, error) {
	chunkSize, err := units.RAMInBytes(e.ChunkSize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid chunk size %q: %w", e.ChunkSize, err)
	}
	maxSize, err := units.RAMInBytes(e.MaxFileSize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid max file size %q: %w", e.MaxFileSize, err)
	}
	retries := 3
	if e.ChunkRetries != nil {
		retries = *e.ChunkRetries
	}

	c := Config{
		StoreBackend:     e.StoreBackend,
		Endpoint:         e.Endpoint,
		Region:           strings.TrimPrefix(e.Region, "s3."),
		Bucket:           e.Bucket,
		AccessKey:        e.AccessKey,
		SecretKey:        e.SecretKey,
		PathStyle:        e.PathStyle,
		ChunkSizeBytes:   chunkSize,
		MaxFileSize:      maxSize,
		URLExpiry:        time.Duration(e.URLExpirySeconds) * time.Second,
		ProgressInterval: time.Duration(e.ProgressIntervalSeconds) * time.Second,
		ChunkTimeout:     time.Duration(e.ChunkTimeoutSeconds) * time.Second,
		ChunkRetries:     retries,
		URLBackend:       e.URLBackend,
		PublicBaseURL:    strings.TrimSuffix(e.PublicBaseURL, "/"),
		SigningSecret:    e.SigningSecret,
		IdentityKey:      e.IdentityKey,
		ListenAddr:       e.ListenAddr,
		CORSOrigins:      e.CORSOrigins,
		BackupBucket:     e.BackupBucket,
		NotifyQueueURL:   e.NotifyQueueURL,
		ProgressWebhook:  e.ProgressWebhookURL,
		Tracing:          e.Tracing,
		Debug:            e.Debug,
	}
	if c.Endpoint == "" && c.Region != "" {
		c.Endpoint = WasabiEndpoint(c.Region)
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "http://localhost" + c.ListenAddr
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WasabiEndpoint returns the regional Wasabi endpoint.
func WasabiEndpoint(region string) string {
	return fmt.Sprintf("https://s3.%s.wasabisys.com", strings.TrimPrefix(region, "s3."))
}

// Validate ...
func (c Config) Validate() error {
	var errs []error

	if c.ChunkSizeBytes <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if c.StoreBackend == BackendS3 {
		if c.Bucket == "" {
			errs = append(errs, errors.New("RELAY_S3_BUCKET is required for the s3 backend"))
		}
		if c.Endpoint == "" && c.Region == "" {
			errs = append(errs, errors.New("one of RELAY_S3_ENDPOINT or RELAY_S3_REGION is required"))
		}
		if c.ChunkSizeBytes > 0 && c.ChunkSizeBytes < MinS3PartSize {
			errs = append(errs, fmt.Errorf("chunk size %s is below the multipart minimum of %s",
				units.BytesSize(float64(c.ChunkSizeBytes)), units.BytesSize(MinS3PartSize)))
		}
	}
	if c.URLBackend == URLBackendPresign && c.StoreBackend != BackendS3 {
		errs = append(errs, errors.New("the presign URL backend requires the s3 store backend"))
	}
	if c.URLBackend == URLBackendServer && c.SigningSecret == "" {
		errs = append(errs, errors.New("RELAY_SIGNING_SECRET is required for the server URL backend"))
	}
	if c.URLExpiry <= 0 {
		errs = append(errs, errors.New("URL expiry must be positive"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("progress interval must be positive"))
	}
	if c.ChunkRetries < 0 {
		errs = append(errs, errors.New("chunk retries can't be negative"))
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid public base URL: %w", err))
	}

	return errors.Join(errs...)
}

// Print logs the configuration with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Println()
	logger.Infof("Configuration:")
	logger.Printf("- store: %s (bucket: %s, endpoint: %s)", c.StoreBackend, c.Bucket, c.Endpoint)
	logger.Printf("- access key: %s, secret key: %s", c.AccessKey, c.SecretKey)
	logger.Printf("- chunk size: %s, max file size: %s",
		units.BytesSize(float64(c.ChunkSizeBytes)), units.BytesSize(float64(c.MaxFileSize)))
	logger.Printf("- chunk timeout: %s, retries: %d", c.ChunkTimeout, c.ChunkRetries)
	logger.Printf("- URL backend: %s, expiry: %s, public base: %s", c.URLBackend, c.URLExpiry, c.PublicBaseURL)
	logger.Printf("- signing secret: %s", c.SigningSecret)
	logger.Printf("- progress interval: %s", c.ProgressInterval)
	logger.Printf("- listen: %s, CORS origins: %v", c.ListenAddr, c.CORSOrigins)
	if c.BackupBucket != "" {
		logger.Printf("- backup bucket: %s", c.BackupBucket)
	}
	if c.NotifyQueueURL != "" {
		logger.Printf("- notify queue: %s", c.NotifyQueueURL)
	}
}

// withDefaults keeps the pre-populated value of a field when its variable is unset.
type withDefaults struct {
	getter   EnvGetter
	defaults Env
}

func (w withDefaults) Get(key string) string {
	if v := w.getter.Get(key); v != "" {
		return v
	}
	return defaultValues(w.defaults)[key]
}

func defaultValues(e Env) map[string]string {
	return map[string]string{
		"RELAY_STORE_BACKEND":             e.StoreBackend,
		"RELAY_CHUNK_SIZE":                e.ChunkSize,
		"RELAY_MAX_FILE_SIZE":             e.MaxFileSize,
		"RELAY_URL_EXPIRY_SECONDS":        fmt.Sprint(e.URLExpirySeconds),
		"RELAY_PROGRESS_INTERVAL_SECONDS": fmt.Sprint(e.ProgressIntervalSeconds),
		"RELAY_CHUNK_TIMEOUT_SECONDS":     fmt.Sprint(e.ChunkTimeoutSeconds),
		"RELAY_URL_BACKEND":               e.URLBackend,
		"RELAY_LISTEN_ADDR":               e.ListenAddr,
	}
}
