package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"prediction-controlplane/internal/httpapi"
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/db"
	"prediction-controlplane/pkg/featureflags"
	"prediction-controlplane/pkg/gen"
	"prediction-controlplane/pkg/health"
	"prediction-controlplane/pkg/logger"
	"prediction-controlplane/pkg/middleware"
	"prediction-controlplane/pkg/otelcol"
	"prediction-controlplane/pkg/otelcol/exporters"
	"prediction-controlplane/pkg/profiling"
	"prediction-controlplane/pkg/redis"
	"prediction-controlplane/pkg/sequence"
	"prediction-controlplane/pkg/server"
	"prediction-controlplane/pkg/task"
	"prediction-controlplane/services/license"
	"prediction-controlplane/services/prediction"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		profiling.Module,
		health.Module,
		middleware.AuthzModule,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
		),
		license.Module,
		prediction.Module,
		prediction.ServerModule,
		httpapi.Module,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fx.Invoke(migrate, db.Metric),
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

// provideTracerProvider ships spans to the OTLP collector when one is
// configured and falls back to the global no-op provider otherwise.
func provideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	if cfg.Otel.Protocol == "http" {
		exporter, err = exporters.ProvideHttp(cfg)
	} else {
		exporter, err = exporters.ProvideGrpc(cfg)
	}
	if err != nil {
		return nil, err
	}

	tp := otelcol.ProvideTrace(exporter)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&license.License{}, &prediction.Prediction{})
}
