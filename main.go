package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/akl7777777/imei-intel/internal/cache"
	"github.com/akl7777777/imei-intel/internal/callerkey"
	"github.com/akl7777777/imei-intel/internal/config"
	"github.com/akl7777777/imei-intel/internal/events"
	"github.com/akl7777777/imei-intel/internal/ledger"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/provider"
	"github.com/akl7777777/imei-intel/internal/ratelimit"
	"github.com/akl7777777/imei-intel/internal/server"
	"github.com/akl7777777/imei-intel/internal/store"
	"github.com/akl7777777/imei-intel/internal/verify"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatal(err)
	}
}

// run returns only after in-flight requests have drained, so deferred
// closes never pull a backend out from under a request.
func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	mainLog := logger.Component(log, "main")

	ctx := context.Background()

	var rdb *redis.Client
	if usesRedis(cfg) {
		rdb, err = dialRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
	}

	tiers, err := cacheTiers(cfg, rdb, log)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	resultCache := cache.New(cfg.CacheTTL, tiers, cache.WithLogger(log))

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimitWindow, cfg.RateLimitMax)
	} else {
		mem := ratelimit.NewMemory(cfg.RateLimitWindow, cfg.RateLimitMax)
		stopSweeper := mem.StartSweeper(cfg.RateLimitWindow)
		defer stopSweeper()
		limiter = mem
	}

	ledgerBackend, err := openLedger(cfg, rdb)
	if err != nil {
		resultCache.Close()
		return fmt.Errorf("ledger: %w", err)
	}

	metrics := verify.NewMetrics(prometheus.DefaultRegisterer)
	chain := provider.InitProviders(cfg, log, provider.WithObserver(metrics.ObserveProvider))

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			resultCache.Close()
			ledgerBackend.Close()
			return fmt.Errorf("events: %w", err)
		}
		publisher = k
	}

	svc := verify.NewService(verify.Deps{
		Cache:   resultCache,
		Limiter: limiter,
		Ledger:  ledgerBackend,
		Chain:   chain,
		Events:  publisher,
		Metrics: metrics,
		Logger:  log,
	})
	defer func() {
		if err := svc.Close(); err != nil {
			mainLog.WithError(err).Warn("close failed")
		}
	}()

	if err := ledger.Seed(ctx, ledgerBackend, cfg.Tenants); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	keys := callerkey.NewResolver(callerkey.Options{
		ASNDBPath:  cfg.ASNDBPath,
		ByASN:      cfg.RateLimitByASN,
		TrustProxy: cfg.TrustProxy,
		Logger:     log,
	})
	defer keys.Close()

	srv := server.New(svc, keys, server.Options{
		AuthKey:  cfg.AuthKey,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   log,
	})

	addr := cfg.Host + ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	authStatus := "disabled"
	if cfg.AuthKey != "" {
		authStatus = "enabled"
	}
	mainLog.Infof("IMEI Intel service starting on %s", addr)
	mainLog.WithFields(logrus.Fields{
		"cache":      cfg.CacheBackend,
		"rate_limit": cfg.RateLimitBackend,
		"ledger":     ledgerBackend.Name(),
		"asn_db":     keys.HasASNDatabase(),
		"providers":  chain.Len(),
		"tenants":    len(cfg.Tenants),
		"auth":       authStatus,
	}).Info("configured")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	stop, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := serve(stop, httpServer, ln, shutdownTimeout(cfg), mainLog); err != nil {
		return err
	}

	mainLog.Info("server stopped")
	return nil
}

// serve runs srv on ln until stop is done, then drains in-flight requests
// for up to timeout. It returns only after the drain has finished.
func serve(stop context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, log logrus.FieldLogger) error {
	drained := make(chan error, 1)
	go func() {
		<-stop.Done()
		log.Info("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := srv.Shutdown(ctx)
		if err != nil {
			log.WithError(err).Warn("forced shutdown")
			srv.Close()
		}
		drained <- err
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	if err := <-drained; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// shutdownTimeout leaves room for one full polling run per provider.
func shutdownTimeout(cfg *config.Config) time.Duration {
	d := time.Duration(cfg.PollMaxAttempts) * cfg.PollInterval * time.Duration(max(len(cfg.Providers), 1))
	return max(d+5*time.Second, 30*time.Second)
}

func usesRedis(cfg *config.Config) bool {
	return cfg.CacheBackend == config.BackendRedis ||
		cfg.RateLimitBackend == config.BackendRedis ||
		cfg.LedgerBackend == config.BackendRedis
}

func dialRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// cacheTiers always starts with the in-process tier.
func cacheTiers(cfg *config.Config, rdb *redis.Client, log logrus.FieldLogger) ([]cache.Backend, error) {
	tiers := []cache.Backend{cache.NewMemory()}

	switch cfg.CacheBackend {
	case config.BackendMemory:
	case config.BackendRedis:
		tiers = append(tiers, cache.NewRedis(rdb))
	case config.BackendSQLite, config.BackendMySQL:
		db, err := store.Open(cfg.CacheBackend, cfg.CacheDSN)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, store.NewResults(db, cfg.CacheTTL, log))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
	return tiers, nil
}

func openLedger(cfg *config.Config, rdb *redis.Client) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		return ledger.NewMemory(), nil
	case config.BackendRedis:
		return ledger.NewRedis(rdb), nil
	case config.BackendSQLite, config.BackendMySQL:
		db, err := store.Open(cfg.LedgerBackend, cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		return store.NewLedger(db), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
