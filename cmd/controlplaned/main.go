// Command controlplaned is the control plane's process entrypoint: it
// wires storage, the lock/queue backend, the execution queue, the
// scheduler, the lifecycle manager, auth, and the Control API into one
// running HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trinitylabs/controlplane/internal/agent/credentials"
	"github.com/trinitylabs/controlplane/internal/agent/docker"
	"github.com/trinitylabs/controlplane/internal/agent/lifecycle"
	"github.com/trinitylabs/controlplane/internal/agent/permissions"
	"github.com/trinitylabs/controlplane/internal/agent/transport"
	"github.com/trinitylabs/controlplane/internal/auth"
	"github.com/trinitylabs/controlplane/internal/common/config"
	"github.com/trinitylabs/controlplane/internal/common/httpmw"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"github.com/trinitylabs/controlplane/internal/db"
	"github.com/trinitylabs/controlplane/internal/events"
	"github.com/trinitylabs/controlplane/internal/events/bus"
	"github.com/trinitylabs/controlplane/internal/orchestrator/api"
	"github.com/trinitylabs/controlplane/internal/orchestrator/lockqueue"
	"github.com/trinitylabs/controlplane/internal/orchestrator/queue"
	"github.com/trinitylabs/controlplane/internal/orchestrator/scheduler"
	"github.com/trinitylabs/controlplane/internal/orchestrator/streaming"
	"github.com/trinitylabs/controlplane/internal/secrets"
	"github.com/trinitylabs/controlplane/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("starting control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, closeDB, err := openStorePool(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer closeDB()

	st, err := store.New(ctx, pool)
	if err != nil {
		log.Fatal("failed to initialize store schema", zap.Error(err))
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	lockBackend, closeLock := provideLockBackend(cfg.Redis, log)
	defer closeLock()

	execQueue := queue.New(lockBackend)

	envelope, err := provideEnvelopeCipher(cfg.Secrets)
	if err != nil {
		log.Fatal("failed to initialize credential envelope cipher", zap.Error(err))
	}

	credMgr, closeSecrets, err := provideCredentialsManager(pool.Writer(), pool.Reader(), cfg.Secrets, log)
	if err != nil {
		log.Fatal("failed to initialize credentials manager", zap.Error(err))
	}
	defer closeSecrets()

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize docker client", zap.Error(err))
	}

	permResolver := permissions.New(st)
	lifecycleMgr := lifecycle.NewManager(dockerClient, st, permResolver, credMgr, envelope, cfg.Lifecycle, log)

	if _, err := lifecycleMgr.EnsureSystemAgent(ctx); err != nil {
		log.Error("failed to ensure system agent", zap.Error(err))
	}

	dispatcher := transport.NewMultiDispatcher()
	sched := scheduler.New(st, execQueue, lockBackend, dispatcher, log)
	sched.Start(ctx)
	defer sched.Stop()

	authMgr := auth.NewManager(cfg.Auth.JWTSecret, st.Users, cfg.Auth.TokenDurationTime())
	if cfg.Auth.BootstrapUsername != "" {
		if err := authMgr.EnsureBootstrapAdmin(ctx, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword); err != nil {
			log.Error("failed to ensure bootstrap admin", zap.Error(err))
		}
	}

	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)
	wsHandler := streaming.NewWSHandler(wsHub, log)

	if err := forwardActivities(eventBus.Bus, wsHub); err != nil {
		log.Error("failed to subscribe activity forwarder", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "controlplaned"))
	router.Use(httpmw.PrometheusMetrics())
	router.Use(api.Recovery(func(r any) { log.Error("panic recovered", zap.Any("panic", r)) }))
	router.Use(api.CORS())

	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(api.RequireAuth(authMgr, st.MCPKeys))
	handler := api.NewHandler(st, lifecycleMgr, permResolver, execQueue, dispatcher, authMgr, eventBus.Bus, log)
	api.SetupRoutes(v1, handler, wsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down control plane")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openStorePool opens the configured database driver and wraps it in the
// reader/writer sqlx.Pool the store layer expects. SQLite runs a single
// writer connection with a separate read-only handle (WAL-mode
// concurrency); Postgres shares one pool for both roles.
func openStorePool(cfg config.DatabaseConfig) (*db.Pool, func() error, error) {
	if cfg.Driver == "postgres" {
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		writer := sqlx.NewDb(conn, "pgx")
		pool := db.NewPool(writer, writer)
		return pool, pool.Close, nil
	}

	writerConn, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	readerConn, err := db.OpenSQLiteReader(cfg.Path)
	if err != nil {
		_ = writerConn.Close()
		return nil, nil, err
	}
	writer := sqlx.NewDb(writerConn, "sqlite3")
	reader := sqlx.NewDb(readerConn, "sqlite3")
	pool := db.NewPool(writer, reader)
	return pool, pool.Close, nil
}

// provideLockBackend selects Redis when an address is configured, falling
// back to the in-process memory backend for single-instance deployments.
func provideLockBackend(cfg config.RedisConfig, log *logger.Logger) (lockqueue.Backend, func()) {
	if cfg.Addr == "" {
		log.Info("using in-process lock/queue backend (no redis.addr configured)")
		return lockqueue.NewMemoryBackend(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	log.Info("using redis lock/queue backend", zap.String("addr", cfg.Addr))
	return lockqueue.NewRedisBackend(client), func() { _ = client.Close() }
}

// provideEnvelopeCipher loads or generates the master key that seals every
// agent's credential envelope.
func provideEnvelopeCipher(cfg config.SecretsConfig) (*secretsEnvelope, error) {
	keyProvider, err := secrets.NewMasterKeyProvider(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return secrets.NewEnvelopeCipher(keyProvider.Key()), nil
}

// secretsEnvelope is a type alias kept local to main for readability at
// call sites; it is exactly *secrets.EnvelopeCipher.
type secretsEnvelope = secrets.EnvelopeCipher

// provideCredentialsManager wires the platform secret vault in as a
// credential provider so a template's required credentials that the caller
// does not supply inline can still resolve from the vault.
func provideCredentialsManager(writer, reader *sqlx.DB, cfg config.SecretsConfig, log *logger.Logger) (*credentials.Manager, func(), error) {
	keyProvider, err := secrets.NewMasterKeyProvider(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := secrets.Provide(writer, reader, keyProvider)
	if err != nil {
		return nil, nil, err
	}

	mgr := credentials.NewManager(log)
	mgr.AddProvider(secrets.NewSecretStoreProvider(store))
	return mgr, func() { _ = closeStore() }, nil
}

// forwardActivities subscribes to every agent.*, execution.* and schedule.*
// event on the bus and re-broadcasts it to WebSocket subscribers through the hub,
// so dashboard clients see the same lifecycle and dispatch events other
// bus subscribers (the scheduler, a future worker process) receive.
func forwardActivities(eventBus bus.EventBus, hub *streaming.Hub) error {
	handle := func(_ context.Context, ev *bus.Event) error {
		data, _ := ev.Data.(map[string]interface{})
		agentName, _ := data["agent_name"].(string)
		if agentName == "" {
			return nil
		}
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		hub.Broadcast(agentName, &streaming.ActivityEvent{
			AgentName: agentName,
			Kind:      ev.Type,
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
		return nil
	}

	if _, err := eventBus.Subscribe("agent.*", handle); err != nil {
		return err
	}
	if _, err := eventBus.Subscribe("execution.*", handle); err != nil {
		return err
	}
	if _, err := eventBus.Subscribe("schedule.*", handle); err != nil {
		return err
	}
	return nil
}
