package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/duochat/chat-server/internal/api"
	"github.com/duochat/chat-server/internal/auth"
	"github.com/duochat/chat-server/internal/messaging"
	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/ratelimit"
	"github.com/duochat/chat-server/internal/session"
	"github.com/duochat/chat-server/internal/store"
	"github.com/duochat/chat-server/internal/ws"
)

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*dst = d
		} else {
			log.Printf("ignoring invalid %s=%q", key, v)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		} else {
			log.Printf("ignoring invalid %s=%q", key, v)
		}
	}
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	envInt("MAX_CONNECTIONS", &config.MaxConnections)
	envDuration("READ_TIMEOUT", &config.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.IdleTimeout)
	envDuration("HEARTBEAT_INTERVAL", &config.Heartbeat.Interval)
	maxFrame := int(config.MaxFrameSize)
	envInt("MAX_FRAME_SIZE", &maxFrame)
	config.MaxFrameSize = int64(maxFrame)

	jwtConfig := auth.DefaultJWTConfig()
	if v := os.Getenv("JWT_SECRET"); v != "" {
		jwtConfig.SecretKey = v
	} else {
		log.Printf("JWT_SECRET not set, using development secret")
	}
	envDuration("JWT_TTL", &jwtConfig.AccessTokenDuration)

	rule := ratelimit.RuleMessage
	envInt("MSG_RATE_LIMIT", &rule.Limit)
	envDuration("MSG_RATE_WINDOW", &rule.Window)

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.OpenPostgres(ctx, dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	// --- Redis ---
	opts := ws.HubOptions{}
	var sessionStore *session.Store
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		opts.Mirror = sessionStore
		opts.Limiter = ratelimit.NewLimiter(sessionStore.Client(), rule)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
		natsConfig.Name = "duochat-" + serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		opts.Publisher = natsClient
	}

	tokens := auth.NewJWTManager(jwtConfig)
	authService := auth.NewService(st, auth.NewPasswordHasher(bcrypt.DefaultCost), tokens)

	hub := ws.NewHub(st, tokens, opts)
	server := ws.NewServer(config, hub)
	api.NewHandler(st, authService).Mount(server)
	server.Handle("GET /metrics", metrics.Handler())

	log.Printf("Chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  idle_timeout:    %s", config.IdleTimeout)
	log.Printf("  heartbeat:       %s", config.Heartbeat.Interval)
	log.Printf("  max_frame_size:  %d", config.MaxFrameSize)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", os.Getenv("NATS_URL"))
	log.Printf("  server_name:     %s", serverName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	// Start returns once the listener is closed; the signal goroutine exits.
	select {}
}
