package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	flagsmith "github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"prediction-controlplane/pkg/claims"
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/db/pagination"
	"prediction-controlplane/pkg/taskname"
	"prediction-controlplane/services/license"
	"prediction-controlplane/services/testutil"
)

func paginationOf(limit int) pagination.Pagination {
	return pagination.Pagination{Limit: limit}
}

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type generatorStub struct {
	fn    func(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error)
	calls atomic.Int64
}

func (g *generatorStub) Generate(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error) {
	g.calls.Add(1)
	if g.fn != nil {
		return g.fn(ctx, gameType, reqContext)
	}
	return `{"outcome":"banker"}`, nil
}

type seqStub struct {
	n atomic.Int64
}

func (s *seqStub) NextPredictionCode(ctx context.Context, userID string) (string, error) {
	return fmt.Sprintf("PRD-%03d", s.n.Add(1)), nil
}

func (s *seqStub) NextLicenseKey(ctx context.Context) (string, error) {
	return fmt.Sprintf("LIC-%05d-TEST", s.n.Add(1)), nil
}

type enqueuerStub struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueuerStub) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type flagsStub struct {
	disabled bool
}

func (f *flagsStub) Enabled(ctx context.Context, feature string) bool {
	return !f.disabled
}

func (f *flagsStub) Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error) {
	return nil, nil
}

func (f *flagsStub) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

type gateFixture struct {
	gate     *Gate
	store    *license.Store
	ledger   *Ledger
	gen      *generatorStub
	enqueuer *enqueuerStub
	flags    *flagsStub
	db       *gorm.DB
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	db := testutil.NewTestDB(t, &license.License{}, &Prediction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &gateFixture{
		store:    license.NewStore(db),
		ledger:   NewLedger(db),
		gen:      &generatorStub{},
		enqueuer: &enqueuerStub{},
		flags:    &flagsStub{},
		db:       db,
	}

	cfg := &config.Config{}
	cfg.Generation.Disclaimer = "entertainment only"

	f.gate = NewGate(GateParams{
		Store:     f.store,
		Ledger:    f.ledger,
		Generator: f.gen,
		Node:      node,
		Seq:       &seqStub{},
		Asynq:     f.enqueuer,
		Flags:     f.flags,
		Config:    cfg,
	})
	return f
}

func (f *gateFixture) seedLicense(t *testing.T, rounds int64, mutate ...func(*license.License)) *license.License {
	t.Helper()

	lic := &license.License{
		ID:              fmt.Sprintf("lic-%d", rounds),
		UserID:          "u1",
		GameType:        "baccarat",
		LicenseKey:      fmt.Sprintf("key-%d", rounds),
		InitialRounds:   rounds,
		RoundsRemaining: rounds,
		PaymentVerified: true,
		IsActive:        true,
	}
	for _, m := range mutate {
		m(lic)
	}
	require.NoError(t, f.db.Create(lic).Error)
	return lic
}

var caller = claims.Claims{UserID: "u1", Role: claims.RoleUser}

func TestRequestPredictionWalkthrough(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	lic := f.seedLicense(t, 2)

	first, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.Equal(t, lic.ID, first.LicenseID)
	require.Equal(t, "entertainment only", first.Disclaimer)
	require.NotEmpty(t, first.Code)

	second, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// both rounds are spent, the third request bounces
	_, err = f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrExhausted)

	rows, err := f.ledger.ListByUser(ctx, "u1", paginationOf(10))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	remaining, err := f.store.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, remaining.RoundsRemaining)
}

func TestRequestPredictionDenied(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	_, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrDenied)

	// an unverified license counts for nothing
	f.seedLicense(t, 5, func(l *license.License) {
		l.ID = "unverified"
		l.LicenseKey = "unverified-key"
		l.PaymentVerified = false
	})
	_, err = f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrDenied)
}

func TestRequestPredictionSuspendedLicense(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	f.seedLicense(t, 5, func(l *license.License) {
		l.IsActive = false
	})

	_, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrDenied)
}

func TestRequestPredictionGenerationFailureRefunds(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	lic := f.seedLicense(t, 3)

	f.gen.fn = func(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error) {
		return "", errors.New("upstream down")
	}

	_, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrGenerationFailed)

	// one transient failure is retried before giving up
	require.EqualValues(t, 2, f.gen.calls.Load())

	after, err := f.store.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, after.RoundsRemaining)

	rows, err := f.ledger.ListByUser(ctx, "u1", paginationOf(10))
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRequestPredictionGenerationRetrySucceeds(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.seedLicense(t, 3)

	var failed bool
	f.gen.fn = func(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error) {
		if !failed {
			failed = true
			return "", errors.New("transient")
		}
		return `{"outcome":"player"}`, nil
	}

	p, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.Equal(t, `{"outcome":"player"}`, p.PredictionData)
}

func TestRequestPredictionDisabled(t *testing.T) {
	f := newGateFixture(t)
	f.flags.disabled = true
	f.seedLicense(t, 3)

	_, err := f.gate.RequestPrediction(context.Background(), caller, RequestPredictionRequest{GameType: "baccarat"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestRequestPredictionValidation(t *testing.T) {
	f := newGateFixture(t)

	_, err := f.gate.RequestPrediction(context.Background(), caller, RequestPredictionRequest{GameType: "  "})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRequestPredictionConcurrent(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	const rounds = 8
	lic := f.seedLicense(t, rounds)

	var delivered atomic.Int64
	var exhausted atomic.Int64

	var g errgroup.Group
	for i := 0; i < rounds*2; i++ {
		g.Go(func() error {
			_, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
			switch {
			case err == nil:
				delivered.Add(1)
				return nil
			case errors.Is(err, ErrExhausted):
				exhausted.Add(1)
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	// never more deliveries than rounds, and every delivery has exactly one
	// ledger row and one consumed round
	require.LessOrEqual(t, delivered.Load(), int64(rounds))
	require.EqualValues(t, rounds*2, delivered.Load()+exhausted.Load())

	rows, err := f.ledger.CountByLicense(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, delivered.Load(), rows)

	after, err := f.store.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.EqualValues(t, rounds-delivered.Load(), after.RoundsRemaining)
}

func TestRequestPredictionLedgerFailureReconciles(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	lic := f.seedLicense(t, 3)

	// without the predictions table every append fails, forcing the
	// fallback onto the reconciliation queue
	require.NoError(t, f.db.Migrator().DropTable(&Prediction{}))

	p, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.NotEmpty(t, p.PredictionData)

	// the round stays consumed and the full row was handed to the queue
	after, err := f.store.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, after.RoundsRemaining)

	require.Len(t, f.enqueuer.tasks, 1)
	queued := f.enqueuer.tasks[0]
	require.Equal(t, taskname.PredictionLedgerReconcile, queued.Type())

	var row Prediction
	require.NoError(t, json.Unmarshal(queued.Payload(), &row))
	require.Equal(t, p.ID, row.ID)
	require.Equal(t, lic.ID, row.LicenseID)
}

func TestRequestPredictionLedgerAndQueueFailureRefunds(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	lic := f.seedLicense(t, 3)

	require.NoError(t, f.db.Migrator().DropTable(&Prediction{}))
	f.enqueuer.err = errors.New("broker down")

	_, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrGenerationFailed)

	// nothing was delivered, so the consumed round comes back
	after, err := f.store.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, after.RoundsRemaining)
	require.Empty(t, f.enqueuer.tasks)
}

func TestRequestPredictionDrainsAcrossLicenses(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	small := f.seedLicense(t, 1, func(l *license.License) {
		l.ID = "small"
		l.LicenseKey = "small-key"
	})
	big := f.seedLicense(t, 3, func(l *license.License) {
		l.ID = "big"
		l.LicenseKey = "big-key"
	})

	// the smaller license is drained before the bigger one is touched
	p, err := f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.Equal(t, small.ID, p.LicenseID)

	p, err = f.gate.RequestPrediction(ctx, caller, RequestPredictionRequest{GameType: "baccarat"})
	require.NoError(t, err)
	require.Equal(t, big.ID, p.LicenseID)
}
