package taskname

const (
	// Prediction tasks
	PredictionLedgerReconcile = "prediction:ledger:reconcile"
)
