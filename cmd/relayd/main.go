// Command relayd runs the file relay: uploads from the messaging side into the
// object store, streaming links and range serving.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := SetupApp(ctx, env.NewRepository(), logger)
	if err != nil {
		logger.Errorf("Setup failed: %s", err)
		return 1
	}

	app.NewServer(BuildRouter(app))
	errc := make(chan error, 1)
	go func() {
		errc <- app.Run()
	}()

	exitCode := 0
	select {
	case err := <-errc:
		if err != nil {
			logger.Errorf("Server failed: %s", err)
			exitCode = 1
		}
	case <-ctx.Done():
		logger.Println()
		logger.Infof("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		exitCode = 1
	}
	return exitCode
}
