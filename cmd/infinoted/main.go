package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"infinote/pkg/database"
	"infinote/pkg/heartbeat"
	"infinote/pkg/logger"
	"infinote/pkg/server"
)

// Config holds infinoted's runtime configuration, read entirely from the
// environment the way the teacher's Config did.
type Config struct {
	Port                string
	ExpiryDays          int
	SQLiteURI           string
	CleanupInterval     time.Duration
	MaxDocumentSize     int
	WSReadTimeout       time.Duration
	WSWriteTimeout      time.Duration
	BroadcastBufferSize int
	MetricsAddr         string
	RedisHeartbeatURI   string
	CleanupHorizon      time.Duration
	Nodes               []string
	UndoIdleTimeout     time.Duration
	UndoSpanLimit       int
}

func main() {
	logger.Init()

	config := Config{
		Port:                getEnv("PORT", "3030"),
		ExpiryDays:          getEnvInt("EXPIRY_DAYS", 7),
		SQLiteURI:           os.Getenv("SQLITE_URI"),
		CleanupInterval:     time.Duration(getEnvInt("CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,
		MaxDocumentSize:     getEnvInt("MAX_DOCUMENT_SIZE_KB", 256) * 1024,
		WSReadTimeout:       time.Duration(getEnvInt("WS_READ_TIMEOUT_MINUTES", 30)) * time.Minute,
		WSWriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 16),
		MetricsAddr:         getEnv("METRICS_ADDR", ""),
		RedisHeartbeatURI:   os.Getenv("REDIS_HEARTBEAT_URI"),
		CleanupHorizon:      time.Duration(getEnvInt("CLEANUP_HORIZON", 300)) * time.Second,
		Nodes:               splitNonEmpty(os.Getenv("INFINOTED_NODES"), ","),
		UndoIdleTimeout:     time.Duration(getEnvInt("UNDO_IDLE_MS", int(server.DefaultUndoIdleTimeout/time.Millisecond))) * time.Millisecond,
		UndoSpanLimit:       getEnvInt("UNDO_SPAN_THRESHOLD", server.DefaultUndoSpanLimit),
	}

	logger.Info("Starting infinoted...")
	logger.Info("Port: %s", config.Port)
	logger.Info("Document expiry: %d days", config.ExpiryDays)

	var db *database.Database
	if config.SQLiteURI != "" {
		logger.Info("Database: %s", config.SQLiteURI)
		var err error
		db, err = database.New(config.SQLiteURI)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
	} else {
		logger.Info("Database: disabled (in-memory only)")
	}

	srv := server.NewServer(db, config.MaxDocumentSize, config.BroadcastBufferSize, config.WSReadTimeout, config.WSWriteTimeout)
	srv.SetUndoConfig(config.UndoIdleTimeout, config.UndoSpanLimit)

	if len(config.Nodes) > 1 {
		self := getEnv("INFINOTED_SELF", config.Nodes[0])
		urls := make(map[string]string, len(config.Nodes))
		for _, n := range config.Nodes {
			urls[n] = n // node entries are already base URLs (e.g. http://infinoted-2:3030)
		}
		srv.SetShardRouter(server.NewShardRouter(self, config.Nodes, urls))
		logger.Info("Sharding across %d nodes, self=%s", len(config.Nodes), self)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.StartCleaner(ctx, config.ExpiryDays, config.CleanupInterval)

	if config.MetricsAddr != "" {
		go func() {
			logger.Info("Metrics listening on %s", config.MetricsAddr)
			if err := http.ListenAndServe(config.MetricsAddr, srv.MetricsHandler()); err != nil {
				logger.Error("metrics server stopped: %v", err)
			}
		}()
	}

	if config.RedisHeartbeatURI != "" {
		exchanger := heartbeat.Dial(config.RedisHeartbeatURI)
		defer exchanger.Close()
		nodeID := uint64(getEnvInt("INFINOTED_NODE_ID", 0))
		beater := heartbeat.NewBeater(exchanger, nodeID, 5*time.Second, config.CleanupHorizon)
		go srv.RunHeartbeat(ctx, beater)
		logger.Info("Heartbeat exchange enabled via %s", config.RedisHeartbeatURI)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
		srv.Shutdown(ctx)
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", config.Port)
	log.Fatal(srv.ListenAndServe(addr))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
