package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-crmsync/internal/adapter/cache"
	"github.com/smallbiznis/valora-crmsync/internal/adapter/crm"
	oauthadapter "github.com/smallbiznis/valora-crmsync/internal/adapter/oauth"
	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
	httptransport "github.com/smallbiznis/valora-crmsync/internal/http"
	"github.com/smallbiznis/valora-crmsync/internal/http/handler"
	"github.com/smallbiznis/valora-crmsync/internal/ratelimit"
	"github.com/smallbiznis/valora-crmsync/internal/repository"
	"github.com/smallbiznis/valora-crmsync/internal/repository/migrations"
	"github.com/smallbiznis/valora-crmsync/internal/retry"
	"github.com/smallbiznis/valora-crmsync/internal/server"
	"github.com/smallbiznis/valora-crmsync/internal/service/crmsync"
	"github.com/smallbiznis/valora-crmsync/internal/service/etl"
	"github.com/smallbiznis/valora-crmsync/internal/service/token"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

// stopTimeout leaves room for the default HTTP drain budget plus the trace flush.
const stopTimeout = 3 * time.Minute

func main() {
	app := fx.New(
		fx.StopTimeout(stopTimeout),
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			telemetry.NewMetrics,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newRetryPolicy,
			newConnectionRepository,
			newSyncStateRepository,
			newRawObjectRepository,
			newAccountRepository,
			newLinkRepository,
			newSyncLeaseStore,
			newTokenRefresher,
			newTokenManager,
			newFetcherRegistry,
			newSyncService,
			newETLService,
			newSyncHandler,
			newETLHandler,
			newHealthHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseMigrate {
		if err := migrations.Up(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newRetryPolicy(cfg config.Config) retry.Policy {
	return retry.FromConfig(cfg.Retry)
}

func newConnectionRepository(pool *pgxpool.Pool) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool)
}

func newSyncStateRepository(pool *pgxpool.Pool) repository.SyncStateRepository {
	return repository.NewPostgresSyncStateRepo(pool)
}

func newRawObjectRepository(pool *pgxpool.Pool) repository.RawObjectRepository {
	return repository.NewPostgresRawObjectRepo(pool)
}

func newAccountRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.AccountRepository {
	return repository.NewPostgresAccountRepo(pool, node)
}

func newLinkRepository(pool *pgxpool.Pool) repository.LinkRepository {
	return repository.NewPostgresLinkRepo(pool)
}

func newSyncLeaseStore(client redis.UniversalClient) repository.SyncLeaseStore {
	return cacheadapter.NewRedisLeaseStore(client)
}

func newTokenRefresher(cfg config.Config) oauthadapter.TokenRefresher {
	return oauthadapter.NewHTTPTokenClient(nil, map[domain.Provider]config.ProviderConfig{
		domain.ProviderHubSpot:    cfg.HubSpot,
		domain.ProviderSalesforce: cfg.Salesforce,
	})
}

func newTokenManager(connections repository.ConnectionRepository, refresher oauthadapter.TokenRefresher, policy retry.Policy, metrics *telemetry.Metrics, logger *zap.Logger) crmsync.TokenSource {
	return token.NewManager(connections, refresher, policy, metrics, logger)
}

// newFetcherRegistry shares one per-organization budget across both providers.
func newFetcherRegistry(cfg config.Config, policy retry.Policy, metrics *telemetry.Metrics) crmsync.FetcherResolver {
	limiter := ratelimit.New(cfg.Sync.ProviderRPS, cfg.Sync.ProviderBurst)
	client := &http.Client{Timeout: 30 * time.Second}
	return crm.NewRegistry(
		crm.NewHubSpotClient(crm.ClientOptions{
			BaseURL:    cfg.HubSpot.APIBaseURL,
			HTTPClient: client,
			Limiter:    limiter,
			Retry:      policy,
			Metrics:    metrics,
		}),
		crm.NewSalesforceClient(crm.ClientOptions{
			BaseURL:    cfg.Salesforce.APIBaseURL,
			APIVersion: cfg.Salesforce.APIVersion,
			HTTPClient: client,
			Limiter:    limiter,
			Retry:      policy,
			Metrics:    metrics,
		}),
	)
}

func newSyncService(
	cfg config.Config,
	connections repository.ConnectionRepository,
	tokens crmsync.TokenSource,
	fetchers crmsync.FetcherResolver,
	states repository.SyncStateRepository,
	raw repository.RawObjectRepository,
	leases repository.SyncLeaseStore,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *crmsync.Service {
	return crmsync.NewService(connections, tokens, fetchers, states, raw, leases, cfg.Sync, metrics, logger)
}

func newETLService(raw repository.RawObjectRepository, accounts repository.AccountRepository, links repository.LinkRepository, metrics *telemetry.Metrics, logger *zap.Logger) *etl.Service {
	return etl.NewService(raw, accounts, links, metrics, logger)
}

func newSyncHandler(svc *crmsync.Service, logger *zap.Logger) *handler.SyncHandler {
	return handler.NewSyncHandler(svc, logger)
}

func newETLHandler(svc *etl.Service, logger *zap.Logger) *handler.ETLHandler {
	return handler.NewETLHandler(svc, logger)
}

func newHealthHandler(pool *pgxpool.Pool, logger *zap.Logger) *handler.HealthHandler {
	return handler.NewHealthHandler(pool, logger)
}

func newRateLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.NewPerMinute(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Serve(runCtx, ln); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("crmsync listening", zap.String("addr", ln.Addr().String()), zap.Duration("drain_timeout", srv.DrainTimeout))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
