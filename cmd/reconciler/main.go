package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/digisapp/wallet-engine/internal/config"
	"github.com/digisapp/wallet-engine/internal/logger"
	"github.com/digisapp/wallet-engine/internal/repo"
	"github.com/digisapp/wallet-engine/internal/service"
)

// The reconciler sweeps every wallet on a schedule and compares the ledger
// sum against the stored balance. Discrepancies are logged for operator
// escalation; they are never auto-repaired.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc := service.NewWalletService(repository, log)

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	interval := time.Duration(cfg.Reconciler.IntervalMinutes) * time.Minute
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { sweep(repository, svc, log) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}

	log.Infof("wallet-reconciler started, interval=%s", interval)
	sched.Start()
	select {}
}

func sweep(repository *repo.Repository, svc *service.WalletService, log *zap.SugaredLogger) {
	ctx := context.Background()
	ids, err := repository.ListWalletUserIDs(ctx)
	if err != nil {
		log.Errorf("list wallets: %v", err)
		return
	}
	var drifted int
	for _, id := range ids {
		res, err := svc.Reconcile(ctx, id)
		if err != nil {
			log.Errorf("reconcile user=%d: %v", id, err)
			continue
		}
		if res.Status == service.ReconcileDiscrepancy {
			drifted++
			log.Errorf("ledger discrepancy user=%d drift=%d", id, res.Discrepancy)
		}
	}
	log.Infof("reconcile sweep done: wallets=%d discrepancies=%d", len(ids), drifted)
}
