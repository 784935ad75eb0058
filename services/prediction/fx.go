package prediction

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"prediction-controlplane/pkg/taskname"
)

var Module = fx.Module("prediction.module",
	fx.Provide(
		NewLedger,
		NewHTTPGenerator,
		NewGate,
	),
)

// ServerModule wires the gRPC health probe into the gateway's grpc server.
var ServerModule = fx.Module("prediction.server",
	fx.Provide(NewHealthServer),
	fx.Invoke(registerHealthServer),
)

func registerHealthServer(server *grpc.Server, health *HealthServer) {
	grpc_health_v1.RegisterHealthServer(server, health)
}

// WorkerModule registers the ledger reconciliation handler on the asynq mux.
var WorkerModule = fx.Module("prediction.worker",
	fx.Provide(
		NewLedger,
		NewReconcileHandler,
	),
	fx.Invoke(registerReconcileHandler),
)

func registerReconcileHandler(mux *asynq.ServeMux, handler *ReconcileHandler) {
	mux.Handle(taskname.PredictionLedgerReconcile, handler)
}
