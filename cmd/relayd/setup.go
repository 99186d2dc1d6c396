package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/relaybox/relay/config"
	"github.com/relaybox/relay/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

const readHeaderTimeout = 10 * time.Second

// App holds the process-wide clients built from the configuration.
type App struct {
	Server *http.Server

	S3  *s3.Client
	Sqs *sqs.Client

	Config    config.Config
	AwsConfig *aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         log.Logger
}

// SetupApp loads the configuration and builds the clients and services.
func SetupApp(ctx context.Context, getter config.EnvGetter, logger log.Logger) (*App, error) {
	cfg, err := config.Load(getter, ".env")
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.EnableDebugLog(cfg.Debug)
	cfg.Print(logger)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if cfg.StoreBackend == config.BackendS3 || cfg.NotifyQueueURL != "" {
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Region, cfg.AccessKey.Value(), cfg.SecretKey.Value(), logger)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		app.AwsConfig = awsCfg
	}

	if cfg.StoreBackend == config.BackendS3 {
		app.S3 = storage.NewS3Client(*app.AwsConfig, storage.S3Params{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			PathStyle: cfg.PathStyle,
		})
	}
	if cfg.NotifyQueueURL != "" {
		app.Sqs = sqs.NewFromConfig(*app.AwsConfig)
	}

	if cfg.Tracing {
		app.TracerProvider = initTracer()
		logger.Infof("Tracing enabled")
	}

	services, err := BuildServices(app)
	if err != nil {
		return nil, err
	}
	app.Services = services

	return app, nil
}

func initTracer() *trace.TracerProvider {
	tp := trace.NewTracerProvider(trace.WithSampler(trace.ParentBased(trace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp
}

// NewServer creates the HTTP server for r.
func (a *App) NewServer(r *gin.Engine) *http.Server {
	a.Server = &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a.Server
}

// Run serves until the server is shut down.
func (a *App) Run() error {
	a.Logger.Infof("Listening on %s", a.Config.ListenAddr)
	if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits for the running transfers.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Infof("Starting graceful shutdown")

	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Logger.Errorf("HTTP server shutdown failed: %s", err)
			errs = append(errs, err)
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Errorf("Services shutdown failed: %s", err)
			errs = append(errs, err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Errorf("Tracer shutdown failed: %s", err)
			errs = append(errs, err)
		}
	}

	a.Logger.Donef("Graceful shutdown complete")
	return errors.Join(errs...)
}
