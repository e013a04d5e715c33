package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/loadops/stampede/server/flags"
	"github.com/loadops/stampede/server/log"
	"github.com/loadops/stampede/store"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var started = time.Now()

// Global context for shutdown cascading. When cancel() is called (from the
// signal handler), all goroutines watching ctx.Done() begin their shutdown
// sequence.
var ctx, cancel = context.WithCancel(context.Background())

var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Stampede server starting up...", "version", version, "commit", commit)

	dataDir := viper.GetString(flags.DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	runStore, err := store.Open(dataDir)
	if err != nil {
		log.Error("Failed to open run store", "error", err)
		os.Exit(1)
	}
	defer runStore.Close()

	setupInterrupts()

	if err := createBroker(runStore); err != nil {
		log.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}

	// Broker goroutine: waits for shutdown, then aborts active runs and
	// blocks until their teardown finishes.
	wg.Add(1)
	go func() {
		<-ctx.Done()
		broker.Shutdown()
		shutdownProvisioner()
		wg.Done()
	}()

	channel, unsubscribe := broker.Subscribe()
	defer unsubscribe()
	go logEvents(channel)

	// HTTP server goroutine. A nested goroutine watches for shutdown and
	// drains in-flight requests before letting main exit.
	server := &http.Server{
		Addr:    viper.GetString(flags.Listen),
		Handler: newMux(runStore),
	}
	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Warn("Failed to shut down HTTP server cleanly", "error", err)
			}
		}()

		log.Info("Server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles SIGINT with a double-tap pattern: the first signal
// starts a graceful shutdown, the second forces an exit in case the graceful
// path hangs.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
