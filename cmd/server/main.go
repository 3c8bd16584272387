// Command server runs the digital ID platform: the HTTP API, the outbox
// relay, and the propagation consumer in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	auditpg "civid/internal/audit/store/postgres"

	audithandler "civid/internal/audit/handler"
	"civid/internal/auth"
	authhandler "civid/internal/auth/handler"
	identityhandler "civid/internal/identity/handler"
	identityservice "civid/internal/identity/service"
	"civid/internal/identity/store/credential"
	institutionhandler "civid/internal/institution/handler"
	institutionservice "civid/internal/institution/service"
	institutionstore "civid/internal/institution/store/institution"
	"civid/internal/outbox"
	"civid/internal/platform/config"
	"civid/internal/platform/httpserver"
	"civid/internal/platform/kafka"
	"civid/internal/platform/logger"
	"civid/internal/platform/metrics"
	redisplatform "civid/internal/platform/redis"
	"civid/internal/policy"
	"civid/internal/propagate"
	"civid/internal/ratelimit"
	"civid/internal/ratelimit/store/counter"
	"civid/internal/token"
	"civid/internal/token/store/revocation"
	httptransport "civid/internal/transport/http"
	userhandler "civid/internal/user/handler"
	usermodels "civid/internal/user/models"
	userservice "civid/internal/user/service"
	userstore "civid/internal/user/store/user"
	id "civid/pkg/domain"
	"civid/pkg/platform/tx"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open outbox pool: %w", err)
	}
	defer pool.Close()

	rdb, err := redisplatform.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	// Shared token infrastructure. Without Redis the process falls back to
	// in-memory revocation and counting, which only works single-node.
	var (
		revocations token.RevocationList
		counters    ratelimit.CounterStore
	)
	if rdb != nil {
		defer rdb.Close()
		revocations = revocation.NewRedis(rdb.Client)
		counters = counter.NewRedis(rdb.Client)
	} else {
		log.Warn("redis not configured, using in-process revocation and rate limiting")
		revocations = revocation.NewMemory()
		counters = counter.NewMemory()
	}

	limiter, err := ratelimit.New(counters, cfg.RateLimit.PerMinute, cfg.RateLimit.Burst,
		ratelimit.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	tokenSvc := token.New(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience, revocations)
	validator := token.NewMiddlewareAdapter(tokenSvc)

	policies := policy.NewTable()
	runner := tx.NewSQLRunner(db)
	auditStore := auditpg.New(db)
	outboxStore := outbox.NewPostgres(db)

	users := userstore.NewPostgres(db)
	requests := userstore.NewPostgresRequests(db)
	creds := credential.NewPostgres(db)
	history := credential.NewPostgresHistory(db)
	institutions := institutionstore.NewPostgres(db)

	userSvc := userservice.New(users, requests, auditStore, policies, runner, log)
	institutionSvc := institutionservice.New(institutions, userSvc, auditStore, policies, runner, log)
	identitySvc := identityservice.New(creds, history, outboxStore, auditStore,
		userSvc, institutionSvc, policies, runner, log)
	authSvc := auth.New(users, tokenSvc, auditStore, cfg.JWT.AccessTTL, log)

	health := map[string]httptransport.HealthCheck{
		"postgres": db.PingContext,
	}
	if rdb != nil {
		health["redis"] = rdb.Health
	}

	// Kafka wiring happens before the router so the health map is complete
	// when the server starts serving.
	var (
		producer *kafka.Producer
		consumer *kafka.Consumer
		relay    *outbox.Relay
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.NewProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("connect kafka producer: %w", err)
		}
		defer producer.Close()
		health["kafka"] = producer.Ping

		relay = outbox.NewRelay(pool, producer, cfg.Kafka.PollInterval, log)

		applier := buildApplier(cfg, tokenSvc, userSvc, log)
		consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			cfg.Kafka.ConsumerGroup, propagate.NewConsumer(applier, log), log)
		if err != nil {
			return fmt.Errorf("connect kafka consumer: %w", err)
		}
	} else {
		log.Warn("kafka not configured, id changes will not propagate")
	}
	if cfg.Siblings.UserServiceURL != "" {
		health["user-service"] = siblingCheck(cfg.Siblings.UserServiceURL)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Auth:         authhandler.New(authSvc, log),
		Users:        userhandler.New(userSvc, log),
		Institutions: institutionhandler.New(institutionSvc, log),
		IDs:          identityhandler.New(identitySvc, log),
		Audit:        audithandler.New(auditStore, log),
		Validator:    validator,
		Revocations:  revocations,
		Limiter:      limiter,
		Policies:     policies,
		Metrics:      metrics.New(),
		Health:       health,
		Logger:       log,
	})
	server := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if relay != nil {
		g.Go(func() error {
			log.Info("outbox relay started", "topic", cfg.Kafka.Topic)
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if consumer != nil {
		g.Go(func() error {
			defer consumer.Close()
			log.Info("propagation consumer started", "group", cfg.Kafka.ConsumerGroup)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// buildApplier chooses where propagated ID summaries land: a sibling user
// service over HTTP when configured, the local user module otherwise.
func buildApplier(cfg config.Config, tokens *token.Service, userSvc *userservice.Service, log *slog.Logger) propagate.Applier {
	if cfg.Siblings.UserServiceURL == "" {
		return localApplier{users: userSvc}
	}
	serviceAccount := id.UserID(uuid.New())
	source := func() (string, error) {
		return tokens.Issue(serviceAccount,
			[]string{string(policy.RoleSuperAdmin)}, []string{"admin"},
			id.InstitutionID{}, 5*time.Minute)
	}
	return propagate.NewClient(cfg.Siblings.UserServiceURL, source, log)
}

// siblingCheck probes a peer service's health endpoint.
func siblingCheck(baseURL string) httptransport.HealthCheck {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("user service health: %d", resp.StatusCode)
		}
		return nil
	}
}

type localApplier struct {
	users *userservice.Service
}

func (a localApplier) Apply(ctx context.Context, owner id.UserID, summary usermodels.IDSummary) error {
	return a.users.ApplyIDSummary(ctx, owner, summary)
}

func (a localApplier) Remove(ctx context.Context, owner id.UserID, institutionID, idType string) error {
	return a.users.RemoveIDSummary(ctx, owner, institutionID, idType)
}
