package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/db"
	"prediction-controlplane/pkg/logger"
	"prediction-controlplane/pkg/task"
	"prediction-controlplane/services/prediction"
)

// The worker drains the ledger reconciliation queue so the gateway can hand
// off a failed append and still deliver the prediction.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		task.Server,
		prediction.WorkerModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
