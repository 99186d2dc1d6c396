package main

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/relaybox/relay/backup"
	"github.com/relaybox/relay/config"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/notify"
	"github.com/relaybox/relay/progress"
	"github.com/relaybox/relay/rangeserver"
	"github.com/relaybox/relay/relay"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/streamurl"
	"github.com/relaybox/relay/transfer"
	"golang.org/x/crypto/blake2b"
)

// Services ...
type Services struct {
	Store    storage.Store
	Engine   *transfer.Engine
	Relay    *relay.Service
	Commands *relay.Registry
	// Streams is nil when links are presigned store URLs.
	Streams *rangeserver.Server

	logger log.Logger
}

// BuildServices wires the relay service from the app's clients.
func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	logger := app.Logger

	store := buildStore(app)

	engine := transfer.NewEngine(store, transfer.Config{
		ChunkSize:    cfg.ChunkSizeBytes,
		ChunkTimeout: cfg.ChunkTimeout,
		MaxRetries:   uint(cfg.ChunkRetries),
		MaxFileSize:  cfg.MaxFileSize,
	}, logger)

	deriver, err := identity.NewDeriver(identityKey(cfg, logger), store, logger)
	if err != nil {
		return nil, fmt.Errorf("create identity deriver: %w", err)
	}

	services := &Services{
		Store:  store,
		Engine: engine,
		logger: logger,
	}

	var backend streamurl.Backend
	switch cfg.URLBackend {
	case config.URLBackendPresign:
		backend = streamurl.NewPresignBackend(app.S3, cfg.Bucket)
	default:
		tokens, err := streamurl.NewTokenBackend([]byte(cfg.SigningSecret.Value()), cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("create URL signer: %w", err)
		}
		backend = tokens
		services.Streams = rangeserver.NewServer(store, tokens, logger)
	}

	emitter := progress.MultiEmitter{progress.LogEmitter{Logger: logger}}
	if cfg.ProgressWebhook != "" {
		emitter = append(emitter, progress.NewWebhookEmitter(retryhttp.NewClient(logger), cfg.ProgressWebhook, logger))
	}

	deps := relay.Deps{
		Engine:     engine,
		Store:      store,
		Deriver:    deriver,
		URLs:       streamurl.NewGenerator(backend, cfg.URLExpiry),
		Reporter:   progress.NewReporter(cfg.ProgressInterval, emitter, logger),
		Classifier: identity.NewClassifier(nil),
		Logger:     logger,
	}
	if cfg.BackupBucket != "" {
		if app.S3 == nil {
			logger.Warnf("Backups need the s3 store backend, %s won't be used", cfg.BackupBucket)
		} else {
			deps.Backup = backup.NewCopier(app.S3, cfg.BackupBucket, store, logger)
		}
	}
	if app.Sqs != nil {
		deps.Publisher = notify.NewSQSPublisher(app.Sqs, cfg.NotifyQueueURL, logger)
	}

	services.Relay = relay.NewService(deps)
	services.Commands = relay.NewRegistry()
	if err := relay.RegisterDefaults(services.Commands, services.Relay); err != nil {
		return nil, err
	}

	logger.Donef("Services initialized (store: %s, URLs: %s)", store.Name(), backend.Name())
	return services, nil
}

func buildStore(app *App) storage.Store {
	if app.S3 == nil {
		app.Logger.Warnf("Using the in-memory store, files are lost on restart")
		return storage.NewMemoryStore(0)
	}
	return storage.NewS3StoreFromClient(app.S3, app.Config.Bucket, app.Logger)
}

// identityKey falls back to the signing secret, then to a random key. A random
// key still yields unique ids but they change between restarts. Keys longer
// than a BLAKE2b key are hashed down to one.
func identityKey(cfg config.Config, logger log.Logger) []byte {
	var key []byte
	switch {
	case cfg.IdentityKey != "":
		key = []byte(cfg.IdentityKey.Value())
	case cfg.SigningSecret != "":
		key = []byte(cfg.SigningSecret.Value())
	default:
		logger.Warnf("RELAY_IDENTITY_KEY is not set, using a random key")
		key = []byte(uuid.NewString())
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return key
}

// Shutdown waits for the running transfers.
func (s *Services) Shutdown(ctx context.Context) error {
	s.logger.Infof("Waiting for %d running transfer(s)", len(s.Engine.Active()))
	return s.Engine.Shutdown(ctx)
}
