package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"prediction-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &License{})
	return NewStore(db), db
}

func seedLicense(t *testing.T, db *gorm.DB, lic *License) *License {
	t.Helper()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, db.Create(lic).Error)
	return lic
}

func TestStoreGet(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "LIC-00001-AAAAAA", InitialRounds: 5, RoundsRemaining: 5,
		PaymentVerified: true, IsActive: true,
	})

	lic, err := store.Get(ctx, "lic-1")
	require.NoError(t, err)
	require.Equal(t, "u1", lic.UserID)
	require.EqualValues(t, 5, lic.RoundsRemaining)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindEligible(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindEligible(ctx, "u1", "roulette")
	require.ErrorIs(t, err, ErrNoneEligible)

	// unverified and suspended licenses never qualify
	seedLicense(t, db, &License{
		ID: "unverified", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", RoundsRemaining: 5, PaymentVerified: false, IsActive: true,
	})
	seedLicense(t, db, &License{
		ID: "suspended", UserID: "u1", GameType: "roulette",
		LicenseKey: "k2", RoundsRemaining: 5, PaymentVerified: true, IsActive: false,
	})

	_, err = store.FindEligible(ctx, "u1", "roulette")
	require.ErrorIs(t, err, ErrNoneEligible)

	seedLicense(t, db, &License{
		ID: "empty", UserID: "u1", GameType: "roulette",
		LicenseKey: "k3", RoundsRemaining: 0, PaymentVerified: true, IsActive: true,
	})

	_, err = store.FindEligible(ctx, "u1", "roulette")
	require.ErrorIs(t, err, ErrDepleted)

	base := time.Now().UTC().Add(-time.Hour)
	seedLicense(t, db, &License{
		ID: "big", UserID: "u1", GameType: "roulette",
		LicenseKey: "k4", RoundsRemaining: 10, PaymentVerified: true, IsActive: true,
		CreatedAt: base,
	})
	seedLicense(t, db, &License{
		ID: "small-late", UserID: "u1", GameType: "roulette",
		LicenseKey: "k5", RoundsRemaining: 2, PaymentVerified: true, IsActive: true,
		CreatedAt: base.Add(time.Minute),
	})
	seedLicense(t, db, &License{
		ID: "small-early", UserID: "u1", GameType: "roulette",
		LicenseKey: "k6", RoundsRemaining: 2, PaymentVerified: true, IsActive: true,
		CreatedAt: base.Add(-time.Minute),
	})

	// fewest rounds wins, ties fall to the earliest created
	lic, err := store.FindEligible(ctx, "u1", "roulette")
	require.NoError(t, err)
	require.Equal(t, "small-early", lic.ID)

	// a different game type stays isolated
	_, err = store.FindEligible(ctx, "u1", "baccarat")
	require.ErrorIs(t, err, ErrNoneEligible)
}

func TestTryConsume(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 3, RoundsRemaining: 3,
		PaymentVerified: true, IsActive: true,
	})

	remaining, err := store.TryConsume(ctx, "lic-1", 3)
	require.NoError(t, err)
	require.EqualValues(t, 2, remaining)

	// a stale expectation loses the compare-and-set
	_, err = store.TryConsume(ctx, "lic-1", 3)
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.TryConsume(ctx, "missing", 1)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.TryConsume(ctx, "lic-1", 0)
	require.ErrorIs(t, err, ErrDepleted)

	remaining, err = store.TryConsume(ctx, "lic-1", 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining)
	remaining, err = store.TryConsume(ctx, "lic-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, remaining)

	_, err = store.TryConsume(ctx, "lic-1", 1)
	require.ErrorIs(t, err, ErrDepleted)
}

func TestTryConsumeConcurrent(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	const rounds = 10
	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: rounds, RoundsRemaining: rounds,
		PaymentVerified: true, IsActive: true,
	})

	var g errgroup.Group
	successes := make(chan struct{}, rounds*3)

	for i := 0; i < rounds*3; i++ {
		g.Go(func() error {
			for {
				lic, err := store.Get(ctx, "lic-1")
				if err != nil {
					return err
				}
				if lic.RoundsRemaining <= 0 {
					return nil
				}

				_, err = store.TryConsume(ctx, lic.ID, lic.RoundsRemaining)
				if err == nil {
					successes <- struct{}{}
					return nil
				}
				if errors.Is(err, ErrConflict) || errors.Is(err, ErrDepleted) {
					continue
				}
				return err
			}
		})
	}

	require.NoError(t, g.Wait())
	close(successes)

	var consumed int
	for range successes {
		consumed++
	}
	require.Equal(t, rounds, consumed)

	lic, err := store.Get(ctx, "lic-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, lic.RoundsRemaining)
}

func TestRefund(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 2, RoundsRemaining: 1,
		PaymentVerified: true, IsActive: true,
	})

	require.NoError(t, store.Refund(ctx, "lic-1"))

	lic, err := store.Get(ctx, "lic-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, lic.RoundsRemaining)

	require.ErrorIs(t, store.Refund(ctx, "missing"), ErrNotFound)
}

func TestSetActive(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 5, RoundsRemaining: 4,
		PaymentVerified: true, IsActive: true,
	})

	lic, err := store.SetActive(ctx, "lic-1", false)
	require.NoError(t, err)
	require.False(t, lic.IsActive)
	require.NotNil(t, lic.SuspendedAt)
	require.EqualValues(t, 4, lic.RoundsRemaining)

	// reactivation keeps the remaining rounds intact
	lic, err = store.SetActive(ctx, "lic-1", true)
	require.NoError(t, err)
	require.True(t, lic.IsActive)
	require.Nil(t, lic.SuspendedAt)
	require.EqualValues(t, 4, lic.RoundsRemaining)

	_, err = store.SetActive(ctx, "missing", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdjustRounds(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 5, RoundsRemaining: 3,
		PaymentVerified: true, IsActive: true,
	})

	lic, applied, err := store.AdjustRounds(ctx, "lic-1", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, applied)
	require.EqualValues(t, 8, lic.RoundsRemaining)

	// revocation clamps at zero and reports what actually landed
	lic, applied, err = store.AdjustRounds(ctx, "lic-1", -20)
	require.NoError(t, err)
	require.EqualValues(t, -8, applied)
	require.EqualValues(t, 0, lic.RoundsRemaining)

	_, _, err = store.AdjustRounds(ctx, "missing", 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSuspensionDoesNotPreemptConsume(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 3, RoundsRemaining: 3,
		PaymentVerified: true, IsActive: true,
	})

	// selection happened before the suspension landed
	picked, err := store.FindEligible(ctx, "u1", "roulette")
	require.NoError(t, err)

	_, err = store.SetActive(ctx, picked.ID, false)
	require.NoError(t, err)

	// the in-flight consume still completes; only new selections see the flag
	remaining, err := store.TryConsume(ctx, picked.ID, picked.RoundsRemaining)
	require.NoError(t, err)
	require.EqualValues(t, 2, remaining)

	_, err = store.FindEligible(ctx, "u1", "roulette")
	require.ErrorIs(t, err, ErrNoneEligible)
}

func TestTopUp(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seedLicense(t, db, &License{
		ID: "lic-1", UserID: "u1", GameType: "roulette",
		LicenseKey: "k1", InitialRounds: 2, RoundsRemaining: 0,
		PaymentVerified: true, IsActive: true,
	})

	lic, err := store.TopUp(ctx, "lic-1", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, lic.RoundsRemaining)

	_, err = store.TopUp(ctx, "lic-1", 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = store.TopUp(ctx, "lic-1", -2)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
