package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"prediction-controlplane/pkg/claims"
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/featureflags"
	"prediction-controlplane/pkg/sequence"
	"prediction-controlplane/pkg/task"
	"prediction-controlplane/services/license"
)

var (
	// ErrDenied means the user holds no active, payment-verified license
	// for the game type.
	ErrDenied = errors.New("prediction: no eligible license")

	// ErrExhausted means eligible licenses exist but no round could be
	// consumed from any of them.
	ErrExhausted = errors.New("prediction: license rounds exhausted")

	// ErrDisabled means prediction generation is switched off by feature flag.
	ErrDisabled = errors.New("prediction: generation disabled")

	// ErrGenerationFailed means the round was consumed, generation failed
	// after a retry, and the round was refunded.
	ErrGenerationFailed = errors.New("prediction: generation failed")

	// ErrInvalidArgument means a request field failed validation.
	ErrInvalidArgument = errors.New("prediction: invalid argument")
)

const (
	consumeAttempts  = 3
	generateRetries  = 1
	generateBackoff  = 200 * time.Millisecond
	appendRetryDelay = 50 * time.Millisecond

	generationFlag = "prediction_generation"
)

// Gate is the quota gate in front of the generator: it consumes exactly one
// round per delivered prediction, refunds when nothing was delivered, and
// records every delivery in the ledger.
type Gate struct {
	store      *license.Store
	ledger     *Ledger
	generator  Generator
	node       *snowflake.Node
	seq        sequence.Generator
	asynq      task.Enqueuer
	flags      featureflags.FeatureFlag
	disclaimer string
}

type GateParams struct {
	fx.In
	Store     *license.Store
	Ledger    *Ledger
	Generator Generator
	Node      *snowflake.Node
	Seq       sequence.Generator
	Asynq     task.Enqueuer
	Flags     featureflags.FeatureFlag
	Config    *config.Config
}

func NewGate(p GateParams) *Gate {
	return &Gate{
		store:      p.Store,
		ledger:     p.Ledger,
		generator:  p.Generator,
		node:       p.Node,
		seq:        p.Seq,
		asynq:      p.Asynq,
		flags:      p.Flags,
		disclaimer: p.Config.Generation.Disclaimer,
	}
}

type RequestPredictionRequest struct {
	UserID   string         `json:"-"`
	GameType string         `json:"game_type"`
	Context  datatypes.JSON `json:"context,omitempty"`
}

// RequestPrediction runs the full round lifecycle: select a license, consume
// one round by compare-and-set, call the generator, append to the ledger and
// return the artifact. A lost compare-and-set re-selects, up to three
// attempts. Consumed rounds that produced nothing are refunded.
func (g *Gate) RequestPrediction(ctx context.Context, caller claims.Claims, req RequestPredictionRequest) (*Prediction, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("user_id", caller.UserID),
	)

	if strings.TrimSpace(req.GameType) == "" {
		return nil, fmt.Errorf("%w: game_type is required", ErrInvalidArgument)
	}
	gameType := slug.Make(req.GameType)

	if !g.flags.Enabled(ctx, generationFlag) {
		return nil, ErrDisabled
	}

	lic, remaining, err := g.consumeRound(ctx, caller.UserID, gameType)
	if err != nil {
		return nil, err
	}

	zapLog = zapLog.With(zap.String("license_id", lic.ID))
	zapLog.Debug("round consumed", zap.Int64("rounds_remaining", remaining))

	data, err := g.generate(ctx, gameType, req.Context)
	if err != nil {
		zapLog.Warn("generation failed, refunding round", zap.Error(err))
		if refundErr := g.store.Refund(ctx, lic.ID); refundErr != nil {
			zapLog.Error("refund failed after generation failure", zap.Error(refundErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	code, err := g.seq.NextPredictionCode(ctx, caller.UserID)
	if err != nil {
		// the snowflake id still identifies the row; the code is cosmetic
		zapLog.Warn("prediction code generation failed, falling back to id", zap.Error(err))
	}

	p := NewPrediction(PredictionParams{
		ID:             g.node.Generate().String(),
		Code:           code,
		UserID:         caller.UserID,
		LicenseID:      lic.ID,
		GameType:       gameType,
		PredictionData: data,
		Context:        req.Context,
		Disclaimer:     g.disclaimer,
	})
	if p.Code == "" {
		p.Code = p.ID
	}

	if err := g.record(ctx, zapLog, p); err != nil {
		if refundErr := g.store.Refund(ctx, lic.ID); refundErr != nil {
			zapLog.Error("refund failed after ledger failure", zap.Error(refundErr))
		}
		return nil, err
	}

	zapLog.Info("prediction delivered", zap.String("prediction_id", p.ID), zap.String("code", p.Code))
	return p, nil
}

// consumeRound pairs FindEligible with TryConsume. Only a lost
// compare-and-set (or a license racing to zero underneath us) re-selects;
// everything else surfaces immediately. A first-pass ErrNoneEligible is a
// denial, on later passes the user plainly had licenses, so it degrades to
// exhaustion.
func (g *Gate) consumeRound(ctx context.Context, userID, gameType string) (*license.License, int64, error) {
	for attempt := 0; attempt < consumeAttempts; attempt++ {
		candidate, err := g.store.FindEligible(ctx, userID, gameType)
		switch {
		case errors.Is(err, license.ErrNoneEligible):
			if attempt == 0 {
				return nil, 0, ErrDenied
			}
			return nil, 0, ErrExhausted
		case errors.Is(err, license.ErrDepleted):
			return nil, 0, ErrExhausted
		case err != nil:
			return nil, 0, err
		}

		remaining, err := g.store.TryConsume(ctx, candidate.ID, candidate.RoundsRemaining)
		switch {
		case err == nil:
			return candidate, remaining, nil
		case errors.Is(err, license.ErrConflict), errors.Is(err, license.ErrDepleted):
			continue
		default:
			return nil, 0, err
		}
	}
	return nil, 0, ErrExhausted
}

// generate calls the generator, retrying once after a short backoff.
func (g *Gate) generate(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= generateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(generateBackoff):
			}
		}

		data, err := g.generator.Generate(ctx, gameType, reqContext)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// record appends the prediction to the ledger. On failure the idempotent
// append is retried once inline, then handed to the background queue with
// the complete row so nothing is lost. Only when the queue also refuses do
// we give up and let the caller refund.
func (g *Gate) record(ctx context.Context, zapLog *zap.Logger, p *Prediction) error {
	err := g.ledger.Append(ctx, p)
	if err == nil {
		return nil
	}
	zapLog.Warn("ledger append failed, retrying", zap.Error(err))

	time.Sleep(appendRetryDelay)
	if err = g.ledger.Append(ctx, p); err == nil {
		return nil
	}
	zapLog.Error("ledger append retry failed, enqueueing reconciliation", zap.Error(err))

	reconcile, taskErr := NewReconcileTask(p)
	if taskErr == nil {
		_, taskErr = g.asynq.Enqueue(reconcile, asynq.Queue("critical"), asynq.MaxRetry(10))
	}
	if taskErr != nil {
		zapLog.Error("failed to enqueue ledger reconciliation", zap.Error(taskErr))
		return fmt.Errorf("ledger append: %w", err)
	}

	// reconciliation will land the row; the artifact is still delivered
	return nil
}
