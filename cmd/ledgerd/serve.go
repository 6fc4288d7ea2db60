package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/internal/config"
	"github.com/MarkoPoloResearchLab/payledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/payledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/payledger/internal/inbound"
	"github.com/MarkoPoloResearchLab/payledger/internal/lock/redislock"
	"github.com/MarkoPoloResearchLab/payledger/internal/logging"
	"github.com/MarkoPoloResearchLab/payledger/internal/outbox"
	"github.com/MarkoPoloResearchLab/payledger/internal/reporting"
	"github.com/MarkoPoloResearchLab/payledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func runMigrate(ctx context.Context, cfg config.Config, out io.Writer) error {
	store, closeStore, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "migrated %s schema\n", store.Driver())
	return nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	projector, err := reporting.NewProjector(store, logger)
	if err != nil {
		return err
	}
	if err := projector.Rebuild(ctx, store); err != nil {
		return fmt.Errorf("report projection: %w", err)
	}

	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithObserver(projector),
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker, err := redislock.New(client, redislock.Config{})
		if err != nil {
			return err
		}
		options = append(options, ledger.WithAccountLocker(locker))
	}
	if cfg.EventTopic != "" {
		options = append(options, ledger.WithEventTopic(cfg.EventTopic))
	}
	service, err := ledger.NewService(store, time.Now, options...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}
	rules, err := ledger.NewPostingRules(schedule)
	if err != nil {
		return err
	}
	payouts, err := ledger.NewPayoutProcessor(service, cfg.PayoutLimits())
	if err != nil {
		return err
	}

	intakeOptions := []inbound.IntakeOption{inbound.WithLogger(logger)}
	if cfg.JournalPath != "" {
		journal, err := inbound.OpenJournal(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("webhook journal: %w", err)
		}
		defer func() { _ = journal.Close() }()
		intakeOptions = append(intakeOptions, inbound.WithJournal(journal))
	}
	intake, err := inbound.NewIntake(service, rules, cfg.Secrets(), intakeOptions...)
	if err != nil {
		return err
	}

	var relay *outbox.Relay
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := outbox.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		relay, err = outbox.NewRelay(store, producer, logger, outbox.Config{PollInterval: cfg.OutboxPollInterval})
		if err != nil {
			_ = producer.Close()
			return err
		}
		defer func() { _ = relay.Close() }()
	}

	ledgerServer, err := grpcserver.NewLedgerServer(service, payouts, rules)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.RegisterLedgerServiceServer(grpcServer, ledgerServer)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 4)
	running := 0

	running++
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		serveErr := grpcServer.Serve(listener)
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			serveErr = nil
		}
		errCh <- serveErr
	}()

	running++
	go func() {
		errCh <- httpapi.Run(serveCtx, httpapi.Settings{
			ListenAddr:        cfg.HTTPListenAddr,
			AllowedOrigins:    cfg.AllowedOrigins,
			AdminUserIDs:      cfg.AdminUserIDs,
			SessionSigningKey: cfg.SessionSigningKey,
			SessionIssuer:     cfg.SessionIssuer,
			SessionCookieName: cfg.SessionCookieName,
		}, httpapi.Dependencies{
			Service:  service,
			Payouts:  payouts,
			Webhooks: intake,
			Reports:  projector,
			Logger:   logger,
		})
	}()

	running++
	go func() {
		errCh <- projector.Run(serveCtx, store, cfg.ReportRefreshInterval)
	}()

	if relay != nil {
		running++
		go func() {
			logger.Info("outbox relay starting", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.EventTopic))
			errCh <- relay.Run(serveCtx)
		}()
	}

	var firstErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case firstErr = <-errCh:
		running--
	}
	cancel()
	grpcServer.GracefulStop()
	for ; running > 0; running-- {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
