package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/audit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/auth"
	"github.com/sthanfv/el-buen-corte--sub000/internal/cache"
	"github.com/sthanfv/el-buen-corte--sub000/internal/config"
	"github.com/sthanfv/el-buen-corte--sub000/internal/db"
	"github.com/sthanfv/el-buen-corte--sub000/internal/dispatch"
	"github.com/sthanfv/el-buen-corte--sub000/internal/kafka"
	"github.com/sthanfv/el-buen-corte--sub000/internal/logger"
	taskprocessor "github.com/sthanfv/el-buen-corte--sub000/internal/processor"
	"github.com/sthanfv/el-buen-corte--sub000/internal/ratelimit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
	"github.com/sthanfv/el-buen-corte--sub000/internal/server"
	"github.com/sthanfv/el-buen-corte--sub000/internal/service"
	"github.com/sthanfv/el-buen-corte--sub000/internal/storage"
	"github.com/sthanfv/el-buen-corte--sub000/internal/sweeper"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Error in config: %v", err)
	}

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Error in logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("service stopped", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("service shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		store    repository.OrderStore
		database *sql.DB
	)
	switch cfg.Store {
	case config.StoreMemory:
		st, err := storage.New(cfg.DataFile)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		store = st
	case config.StorePostgres:
		conn, err := db.NewDB(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("connect to db: %w", err)
		}
		defer conn.Close()
		database = conn
		store = repository.NewOrderRepository(conn)
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}

	var processors []audit.Processor
	if database != nil {
		processors = append(processors, audit.NewDBProcessor(database))
	}
	recorder := audit.NewRecorder(audit.PoolConfig{
		BatchSize:   cfg.AuditBatchSize,
		Timeout:     cfg.AuditFlush,
		ChannelSize: cfg.AuditChannelSize,
	}, zl, processors...)
	auditCtx, auditCancel := context.WithCancel(context.Background())
	recorder.Start(auditCtx, cfg.AuditWorkers)
	defer recorder.Shutdown(auditCancel)

	var (
		publisher dispatch.Publisher
		outbox    dispatch.Outbox
		mailer    dispatch.Mailer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers, zl)
		if err != nil {
			zl.Warn("kafka producer unavailable, order events go to the outbox", zap.Error(err))
		} else {
			defer producer.Close()
			publisher = producer
		}
	}
	var loops background
	if database != nil {
		tasks := repository.NewPostgresTaskRepository(database)
		outbox = eventOutbox(tasks, cfg.KafkaBrokers, publisher != nil, zl)
		if publisher != nil {
			relay := taskprocessor.NewTaskProcessor(tasks, publisher, cfg.OutboxPoll, 50, zl)
			loops.Go(func() { relay.Start(ctx) })
		}
	}
	if cfg.SMTPEnabled() {
		mailer = dispatch.NewSMTPMailer(dispatch.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}

	dispatcher := dispatch.New(dispatch.Config{
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueueSize,
		Timeout:   cfg.DispatchTimeout,
	}, zl)
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)
	defer dispatcher.Shutdown(dispatchCancel)

	notifier := dispatch.NewOrderNotifier(dispatcher, publisher, outbox, mailer, cfg.KafkaOrderTopic, zl)

	statuses := cache.NewStatusCache(cfg.StatusCacheTTL)
	loops.Go(func() { statuses.StartEviction(ctx, time.Minute) })

	svc := service.NewOrderService(store, recorder, notifier, statuses, service.Config{
		CreateTimeout: cfg.CreateTimeout,
		PaymentWindow: cfg.PaymentWindow,
		SweepBatch:    cfg.SweepBatch,
	}, zl)

	sweep := sweeper.New(svc, cfg.SweepInterval, zl)
	loops.Go(func() { sweep.Start(ctx) })

	if len(cfg.KafkaBrokers) > 0 {
		confirmer := kafka.ConfirmFunc(func(ctx context.Context, orderID, reference string) error {
			err := svc.ConfirmPayment(ctx, orderID, reference)
			if err != nil && service.IsPermanent(err) {
				return fmt.Errorf("%w: %v", kafka.ErrPermanent, err)
			}
			return err
		})
		handler := kafka.NewPaymentHandler(confirmer, cfg.PaymentTimeout, zl)
		loops.Go(func() {
			err := kafka.StartSaramaConsumer(ctx, kafka.NewConsumerConfig(), cfg.KafkaBrokers,
				cfg.KafkaGroupID, []string{cfg.KafkaPaymentTopic}, handler, zl)
			if err != nil {
				zl.Error("payment consumer stopped", zap.Error(err))
			}
		})
	}

	limiters := []ratelimit.Limiter{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiters = append(limiters, ratelimit.NewRedis(rdb, ratelimit.RedisConfig{
			Window:  cfg.RateWindow,
			Max:     cfg.RateMax,
			Timeout: cfg.RateTimeout,
		}, zl))
	}
	limiters = append(limiters, ratelimit.NewLocal(cfg.RateWindow, cfg.RateMax))

	provider := auth.NewHSProvider(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	srv := server.NewServer(server.Deps{
		Orders:  svc,
		Authn:   provider,
		Issuer:  provider,
		Limiter: ratelimit.Chain(limiters...),
		Auditor: recorder,
	}, cfg, zl)

	err := srv.Run(ctx)
	// The loops use the database, the audit pool and the dispatcher, all closed by the defers above.
	cancel()
	loops.Wait()
	return err
}

// background tracks the long-running loops started by run.
type background struct {
	wg sync.WaitGroup
}

func (b *background) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *background) Wait() {
	b.wg.Wait()
}

// eventOutbox picks the outbox for events the producer could not take. Without
// brokers nothing would ever relay them, so none is used. With brokers but no
// producer the events wait for a later start whose relay drains them.
func eventOutbox(tasks dispatch.Outbox, brokers []string, relaying bool, log *zap.Logger) dispatch.Outbox {
	switch {
	case len(brokers) == 0:
		log.Info("kafka not configured, order events are not published")
		return nil
	case !relaying:
		log.Warn("outbox relay not running, order events are kept until a start with a reachable broker")
	}
	return tasks
}
