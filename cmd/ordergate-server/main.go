package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/gateway"
	"ordergate/internal/geofence"
	"ordergate/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/ordergate.yaml"
	if p := os.Getenv("ORDERGATE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath, os.Args[1:])
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Setup logging.
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	// Create broker and geofence.
	b, err := broker.New(cfg)
	if err != nil {
		log.Fatalf("creating broker: %v", err)
	}
	defer b.Close()

	if c, ok := b.(interface{ Connect(context.Context) error }); ok {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.Connect(connectCtx); err != nil {
			connectCancel()
			log.Fatalf("connecting to %s broker: %v", b.Name(), err)
		}
		connectCancel()
	}

	fence, err := geofence.New(cfg.Geofence.DBPath, cfg.Geofence.AllowCountry)
	if err != nil {
		log.Fatalf("opening geofence database: %v", err)
	}
	defer fence.Close()

	srv := gateway.NewServer(cfg, fence, b)

	// Start HTTPS server.
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("order gateway listening",
			"addr", httpServer.Addr,
			"broker", b.Name(),
			"allowCountry", cfg.Geofence.AllowCountry)
		logger.Info(fmt.Sprintf("API clients must use key %s with header %s", cfg.MaskedPassword(), gateway.HeaderGatewayPassword))
		err := httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil && err != http.ErrServerClosed {
			logger.Error("HTTPS server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down order gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
