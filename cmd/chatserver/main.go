package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tandem/chat-app/internal/api"
	"github.com/tandem/chat-app/internal/identity"
	"github.com/tandem/chat-app/internal/messaging"
	"github.com/tandem/chat-app/internal/metrics"
	"github.com/tandem/chat-app/internal/presence"
	"github.com/tandem/chat-app/internal/ratelimit"
	"github.com/tandem/chat-app/internal/router"
	"github.com/tandem/chat-app/internal/session"
	"github.com/tandem/chat-app/internal/store"
	"github.com/tandem/chat-app/internal/store/memory"
	"github.com/tandem/chat-app/internal/store/postgres"
	"github.com/tandem/chat-app/internal/ws"
)

// chatStore is satisfied by both the memory and the postgres stores.
type chatStore interface {
	store.UserStore
	store.MessageStore
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	config.WorkerPoolSize = envInt("WORKER_POOL_SIZE", config.WorkerPoolSize)
	config.MaxConnections = envInt("MAX_CONNECTIONS", config.MaxConnections)
	config.SendQueueSize = envInt("SEND_QUEUE_SIZE", config.SendQueueSize)
	config.ReadTimeout = envDuration("READ_TIMEOUT", config.ReadTimeout)
	config.WriteTimeout = envDuration("WRITE_TIMEOUT", config.WriteTimeout)
	config.Heartbeat.Interval = envDuration("HEARTBEAT_INTERVAL", config.Heartbeat.Interval)

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Store ---
	var (
		backend chatStore
		dsnInfo = "memory"
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := postgres.Open(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		defer db.Close()

		if envBool("MIGRATE_ON_START", true) {
			if err := postgres.Migrate(db); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		backend = postgres.NewStore(db, nil)
		dsnInfo = "postgres"
	} else {
		backend = memory.New(nil)
	}

	// --- Redis (optional): session mirror + rate limits ---
	var (
		mirror       session.Mirror
		limiter      router.Limiter
		sessionStore *session.Store
	)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		mirror = sessionStore
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS (optional): event feed ---
	var (
		feed       router.Feed
		natsClient *messaging.NATSClient
	)
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "tandem-" + serverName
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		feed = natsClient
	}

	// --- Identity ---
	tokenConfig := identity.DefaultConfig()
	if v := os.Getenv("JWT_SECRET"); v != "" {
		tokenConfig.SecretKey = v
	} else {
		log.Printf("warning: JWT_SECRET not set, using the development secret")
	}
	tokenConfig.TTL = envDuration("SESSION_TTL", tokenConfig.TTL)
	tokens := identity.NewSessions(tokenConfig, nil)

	var google api.GoogleVerifier
	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	if googleClientID != "" {
		v, err := identity.NewGoogleVerifier(context.Background(), googleClientID)
		if err != nil {
			log.Fatalf("failed to set up Google verification: %v", err)
		}
		google = v
	}

	origins := []string{"http://localhost:5173"}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		origins = strings.Split(v, ",")
	}

	log.Printf("Tandem chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  send_queue:      %d", config.SendQueueSize)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  heartbeat:       %s", config.Heartbeat.Interval)
	log.Printf("  store:           %s", dsnInfo)
	log.Printf("  redis_addr:      %q", redisAddr)
	log.Printf("  nats_url:        %q", os.Getenv("NATS_URL"))
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  google_login:    %v", google != nil)
	log.Printf("  cors_origins:    %v", origins)

	// --- Wiring ---
	sessions := session.NewManager(nil, mirror)
	dispatcher := ws.NewMessageDispatcher(5 * time.Second)
	server := ws.NewServer(config, sessions, dispatcher.Dispatch)

	rt := router.New(router.Config{
		Presence: presence.NewTable(),
		Sessions: sessions,
		Users:    backend,
		Messages: backend,
		Fanout:   server,
		Feed:     feed,
		Limiter:  limiter,
	})
	dispatcher.RegisterChat(rt)

	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Disconnect(ctx, connID)
	})
	if google != nil {
		// With real sign-in enabled every socket must carry a session token.
		server.SetAuthenticator(tokens)
	}
	if sessionStore != nil {
		server.SetConnectLimiter(ratelimit.NewLimiter(sessionStore.Client()))
	}

	rest := api.New(api.Config{
		Users:          backend,
		Messages:       backend,
		Sessions:       tokens,
		Google:         google,
		Chat:           rt,
		AllowedOrigins: origins,
		CookieSecure:   envBool("COOKIE_SECURE", false),
	})
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/", rest.Routes())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
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
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("ignoring invalid %s=%q", key, v)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("ignoring invalid %s=%q", key, v)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("ignoring invalid %s=%q", key, v)
	}
	return def
}
