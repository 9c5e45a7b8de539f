package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"

	authsvc "github.com/rishavghosh108/mrx-mta/internal/auth"
	"github.com/rishavghosh108/mrx-mta/internal/config"
	"github.com/rishavghosh108/mrx-mta/internal/delivery"
	"github.com/rishavghosh108/mrx-mta/internal/metrics"
	policysvc "github.com/rishavghosh108/mrx-mta/internal/policy"
	"github.com/rishavghosh108/mrx-mta/internal/policystore"
	queuesvc "github.com/rishavghosh108/mrx-mta/internal/queue"
	"github.com/rishavghosh108/mrx-mta/internal/queuestore"
	"github.com/rishavghosh108/mrx-mta/internal/server"
	"github.com/rishavghosh108/mrx-mta/internal/userstore"
)

// Stack owns every component of a running smtpd instance — reception,
// queue, policy, auth, and the outbound delivery worker pool — and
// manages their lifecycle together.
type Stack struct {
	Server      *server.Server
	WorkerPool  *delivery.WorkerPool
	closers     []io.Closer
	logger      *slog.Logger
	deliveryCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// StackConfig groups the configuration and caller-supplied dependencies
// needed to build a Stack. TLSConfig is built by main.go; tests may omit
// it to exercise a plaintext-only server.
type StackConfig struct {
	Config    config.Config
	TLSConfig *tls.Config
	Collector metrics.Collector // nil -> NoopCollector
	Logger    *slog.Logger      // nil -> slog.Default()
}

// NewStack creates a Stack from the given configuration, opening every
// store, wiring the service layer on top, and constructing the reception
// server and delivery worker pool.
func NewStack(cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Stack{logger: logger}

	queueStore, err := queuestore.Open(cfg.Config.Queue.DBPath, cfg.Config.Queue.BlobDir)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, queueStore)

	queueService := queuesvc.New(queueStore, queuesvc.Config{
		MaxQueueAge:   cfg.Config.Queue.MaxQueueAgeValue(),
		LeaseDuration: cfg.Config.Queue.LeaseDurationValue(),
	})

	var authService *authsvc.Service
	if cfg.Config.Auth.IsEnabled() {
		store, err := userstore.Open(cfg.Config.Auth.DBPath)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		s.closers = append(s.closers, store)
		authService = authsvc.New(store, authsvc.Config{
			MaxAttempts:     cfg.Config.Auth.MaxAttempts,
			LockoutDuration: cfg.Config.Auth.LockoutDurationValue(),
		})
		logger.Info("authentication enabled", "db_path", cfg.Config.Auth.DBPath)
	}

	var policyService *policysvc.Service
	if cfg.Config.Policy.RulesDBPath != "" {
		rules, err := policystore.OpenRuleStore(cfg.Config.Policy.RulesDBPath)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		s.closers = append(s.closers, rules)

		var rdb *redis.Client
		if cfg.Config.Redis.Address != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Config.Redis.Address,
				Password: cfg.Config.Redis.Password,
				DB:       cfg.Config.Redis.DB,
			})
			s.closers = append(s.closers, rdb)
		}
		volatile := policystore.NewVolatileStore(rdb)

		policyService = policysvc.New(rules, volatile, policysvc.Config{
			RateLimitPerIP:     cfg.Config.Policy.RateLimitPerIP,
			RateLimitPerDomain: cfg.Config.Policy.RateLimitPerDomain,
			GreylistEnabled:    cfg.Config.Policy.GreylistEnabled,
			GreylistMinDelay:   cfg.Config.Policy.GreylistMinDelayValue(),
			GreylistMaxAge:     cfg.Config.Policy.GreylistMaxAgeValue(),
		})
		logger.Info("policy enforcement enabled", "rules_db_path", cfg.Config.Policy.RulesDBPath)
	}

	deliveryService := delivery.New(&net.Resolver{}, delivery.Config{
		Hostname:                cfg.Config.Delivery.Hostname,
		ConnectTimeout:          cfg.Config.Delivery.ConnectTimeoutValue(),
		DataTimeout:             cfg.Config.Delivery.DataTimeoutValue(),
		MaxConnectionsPerDomain: cfg.Config.Delivery.MaxConnectionsPerDomain,
		MXFallbackToA:           cfg.Config.Delivery.MXFallbackToA,
		SMTPPort:                cfg.Config.Delivery.SMTPPort,
	}, logger)

	s.WorkerPool = delivery.NewWorkerPool(queueService, deliveryService, delivery.WorkerPoolConfig{
		Workers:      cfg.Config.Delivery.Workers,
		PollInterval: cfg.Config.Delivery.PollIntervalValue(),
		BatchSize:    cfg.Config.Delivery.BatchSize,
	}, logger)

	sessionConfig := DefaultSessionConfig()
	if cfg.Config.Limits.MaxMessageSize > 0 {
		sessionConfig.MaxMessageSize = int64(cfg.Config.Limits.MaxMessageSize)
	}
	if cfg.Config.Limits.MaxRecipients > 0 {
		sessionConfig.MaxRecipients = cfg.Config.Limits.MaxRecipients
	}

	handler := Handler(HandlerConfig{
		Hostname:                 cfg.Config.Hostname,
		SessionConfig:            sessionConfig,
		Collector:                collector,
		QueueSvc:                 queueService,
		AuthSvc:                  authService,
		PolicySvc:                policyService,
		TLSConfig:                cfg.TLSConfig,
		AuthRequiredOnSubmission: cfg.Config.Auth.RequiredOnSubmission,
		TLSRequiredOnSubmission:  cfg.Config.TLS.RequiredOnSubmission,
	})

	srv, err := server.New(&cfg.Config)
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	srv.SetHandler(handler)

	s.Server = srv
	return s, nil
}

// Run starts the reception server and the delivery worker pool together
// and blocks until the context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	s.deliveryCtx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.WorkerPool.Run(s.deliveryCtx)
	}()

	err := s.Server.Run(ctx)

	s.cancel()
	s.wg.Wait()

	return err
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
