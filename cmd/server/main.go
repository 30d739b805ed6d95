package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voxbound/streamlink/internal/api"
	"github.com/voxbound/streamlink/internal/client"
	"github.com/voxbound/streamlink/internal/core"
	"github.com/voxbound/streamlink/internal/webhook"
)

func main() {
	// Initialize logger
	var logger *zap.Logger
	var err error
	if os.Getenv("STREAMLINK_DEBUG") == "1" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("streamlink server starting...")

	// Get config from environment
	port := os.Getenv("PORT")
	if port == "" {
		port = "3200"
	}
	tcpAddr := os.Getenv("STREAMLINK_LISTEN_ADDR")
	if tcpAddr == "" {
		tcpAddr = ":9200"
	}

	connOpts := connectionOptions(sugar)

	webhookDispatcher := webhook.NewDispatcher(sugar)
	manager := client.NewManager(sugar, webhookDispatcher)

	// API server: dial-out, inspection, and webhook management
	server := api.NewServer(api.ServerConfig{
		Port:              port,
		Logger:            sugar,
		Manager:           manager,
		WebhookDispatcher: webhookDispatcher,
	})

	// Raw TCP accept loop: each inbound socket is wrapped as the
	// handshake responder, then registered with the manager exactly
	// like a dialed-out connection.
	listener, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		sugar.Fatalf("Failed to listen on %s: %v", tcpAddr, err)
	}
	go acceptLoop(listener, manager, sugar, connOpts)

	go func() {
		if err := server.Start(); err != nil {
			sugar.Fatalf("Server failed: %v", err)
		}
	}()

	sugar.Infof("API listening at http://0.0.0.0:%s", port)
	sugar.Infof("Encrypted connections accepted at %s", tcpAddr)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down gracefully...")
	_ = listener.Close()
	manager.CloseAll()
	_ = server.Stop()
}

// acceptLoop wraps every inbound socket with core.Wrap as the
// handshake responder and registers the result with manager. A single
// bad handshake (malformed peer, wrong protocol) closes that socket
// and does not bring down the listener.
func acceptLoop(listener net.Listener, manager *client.Manager, logger *zap.SugaredLogger, opts []core.Option) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Warnf("accept failed: %v", err)
			return
		}
		go func() {
			wrapped, err := core.Wrap(conn, core.RoleResponder, opts...)
			if err != nil {
				logger.Warnf("handshake failed for %s: %v", conn.RemoteAddr(), err)
				return
			}
			manager.Register(wrapped, core.RoleResponder)
		}()
	}
}

// connectionOptions builds the shared core.Option set from the
// environment: STREAMLINK_DEBUG selects the accelerated DEBUG
// key-aging/IO timeout profile; STREAMLINK_MAX_KEY_AGE/
// STREAMLINK_MAX_AGE_SKEW override it directly when set.
func connectionOptions(logger *zap.SugaredLogger) []core.Option {
	opts := []core.Option{core.WithLogger(core.NewZapLogger(logger))}

	if os.Getenv("STREAMLINK_DEBUG") == "1" {
		opts = append(opts, core.WithDebugTiming())
	}

	maxKeyAge, hasMaxKeyAge := parseDurationEnv("STREAMLINK_MAX_KEY_AGE", logger)
	maxAgeSkew, hasMaxAgeSkew := parseDurationEnv("STREAMLINK_MAX_AGE_SKEW", logger)
	if hasMaxKeyAge || hasMaxAgeSkew {
		if !hasMaxKeyAge {
			maxKeyAge = time.Hour
		}
		if !hasMaxAgeSkew {
			maxAgeSkew = time.Minute
		}
		opts = append(opts, core.WithKeyAging(maxKeyAge, maxAgeSkew))
	}

	return opts
}

func parseDurationEnv(name string, logger *zap.SugaredLogger) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q: %v", name, raw, err)
		return 0, false
	}
	return d, true
}
