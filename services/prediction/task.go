package prediction

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"prediction-controlplane/pkg/taskname"
)

// NewReconcileTask carries the complete prediction row, so the worker can
// land it without consulting any other state.
func NewReconcileTask(p *Prediction) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PredictionLedgerReconcile, payload), nil
}

// ReconcileHandler re-appends ledger rows whose synchronous write failed.
// Append is idempotent on the row id, so replays are harmless.
type ReconcileHandler struct {
	ledger *Ledger
}

func NewReconcileHandler(ledger *Ledger) *ReconcileHandler {
	return &ReconcileHandler{ledger: ledger}
}

func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Prediction
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Error("malformed reconciliation payload", zap.Error(err))
		return err
	}

	if err := h.ledger.Append(ctx, &p); err != nil {
		zap.L().Warn("ledger reconciliation append failed",
			zap.String("prediction_id", p.ID),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("ledger row reconciled", zap.String("prediction_id", p.ID))
	return nil
}
