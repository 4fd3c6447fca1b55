package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/fanout"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

type serveFlags struct {
	envFile string
	store   string
	port    string
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}
	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "path to a .env file (default: ./.env when present)")
	cmd.Flags().StringVar(&flags.store, "store", "", "message store: memory, badger or mysql (overrides STORE_KIND)")
	cmd.Flags().StringVar(&flags.port, "port", "", "listen address (overrides SERVER_PORT)")
	return cmd
}

func loadConfig(flags serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.store != "" {
		switch store.Kind(flags.store) {
		case store.KindMemory, store.KindBadger, store.KindMySQL:
			cfg.StoreKind = flags.store
		default:
			return nil, fmt.Errorf("unknown store %q", flags.store)
		}
		if cfg.StoreKind == string(store.KindMySQL) && cfg.MySQLDSN == "" {
			return nil, errors.New("store mysql requires MYSQL_DSN")
		}
	}
	if flags.port != "" {
		cfg.Port = flags.port
	}
	return cfg, nil
}

func serve(ctx context.Context, flags serveFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log, err := logging.New(logging.Options{Service: "chatrelay", Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ms, closeStore, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing message store", zap.String("kind", cfg.StoreKind))
		if err := closeStore(); err != nil {
			log.Warn("Close message store", zap.Error(err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	var (
		observer presence.Observer
		mirror   *presence.RedisMirror
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		mirror = presence.NewRedisMirror(client, nodeID, log)
		observer = mirror
		log.Info("Mirroring presence to redis", zap.String("addr", cfg.RedisAddr), zap.String("node", nodeID))
	}

	registry := presence.NewRegistry(log, observer)
	metrics.RegisterPresence(promRegistry, registry.Online, registry.Connections)

	engine := fanout.New(ms, registry, log,
		fanout.WithPushTimeout(cfg.PushTimeout),
		fanout.WithMetrics(m),
	)
	srv := server.New(server.Options{
		AllowedOrigins: cfg.Origins(),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      server.RateLimitConfig{Burst: cfg.RateLimitBurst, RefillInterval: cfg.RateLimitRefill},
		Metrics:        m,
		Gatherer:       promRegistry,
	}, engine, registry, log)
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", zap.String("addr", cfg.Port), zap.String("store", cfg.StoreKind))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if mirror != nil {
		g.Go(func() error {
			mirror.Run(gctx, cfg.RedisRefresh, registry.Users)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully")
		httpErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
		hubErr := srv.Shutdown(cfg.ShutdownTimeout)
		return errors.Join(httpErr, hubErr)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Program stopped cleanly")
	return nil
}

// openStore opens the configured store and seeds it when seeding applies.
func openStore(cfg *config.Config, log *zap.Logger) (store.MessageStore, func() error, error) {
	groups, err := cfg.Groups()
	if err != nil {
		return nil, nil, err
	}

	switch store.Kind(cfg.StoreKind) {
	case store.KindBadger:
		b, err := store.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, nil, err
		}
		if err := b.AddUser(seedUsers(cfg.SeedUsers)...); err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		for _, g := range groups {
			if err := b.AddGroup(g); err != nil {
				_ = b.Close()
				return nil, nil, err
			}
		}
		return b, b.Close, nil

	case store.KindMySQL:
		if cfg.SeedUsers > 0 || len(groups) > 0 {
			log.Warn("Seed settings are ignored for the mysql store")
		}
		g, err := store.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil

	default:
		mem := store.NewMemory()
		mem.AddUser(seedUsers(cfg.SeedUsers)...)
		for _, g := range groups {
			mem.AddGroup(g)
		}
		if cfg.SeedUsers == 0 {
			log.Warn("Memory store has no users; set SEED_USERS to accept messages")
		}
		return mem, func() error { return nil }, nil
	}
}

func seedUsers(n int) []domain.UserID {
	users := make([]domain.UserID, 0, n)
	for i := 1; i <= n; i++ {
		users = append(users, domain.UserID(i))
	}
	return users
}
