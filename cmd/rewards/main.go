package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eloits-rewards-engine/internal/httpapi"
	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/db"
	"eloits-rewards-engine/pkg/gen"
	"eloits-rewards-engine/pkg/health"
	"eloits-rewards-engine/pkg/logger"
	"eloits-rewards-engine/pkg/redis"
	"eloits-rewards-engine/pkg/server"
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/leaderboard"
	"eloits-rewards-engine/services/redemption"
	"eloits-rewards-engine/services/referral"
	"eloits-rewards-engine/services/rules"
	"eloits-rewards-engine/services/trust"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,
		task.Scheduler,
		task.OutboxModule,
		health.Module,

		ledger.Module,
		rules.Module,
		award.Module,
		trust.Module,
		trust.TaskModule,
		referral.Module,
		referral.TaskModule,
		redemption.Module,
		redemption.TaskModule,
		leaderboard.Module,

		httpapi.Module,
		server.Module,

		fx.Invoke(autoMigrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&task.OutboxMessage{},
		&ledger.AccountSummary{},
		&ledger.Transaction{},
		&rules.RewardRule{},
		&trust.HistoryEntry{},
		&referral.Referral{},
		&referral.ReferrerProfile{},
		&redemption.Request{},
	)
}
