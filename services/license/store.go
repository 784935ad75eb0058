package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"prediction-controlplane/pkg/db/option"
	"prediction-controlplane/pkg/db/pagination"
	"prediction-controlplane/pkg/repository"
)

var (
	// ErrNotFound means the license id does not exist.
	ErrNotFound = errors.New("license: not found")

	// ErrNoneEligible means the user has no active, payment-verified license
	// for the game type at all.
	ErrNoneEligible = errors.New("license: none eligible")

	// ErrDepleted means eligible licenses exist but every one of them has
	// zero rounds remaining.
	ErrDepleted = errors.New("license: rounds depleted")

	// ErrConflict means the compare-and-set lost to a concurrent consumer.
	ErrConflict = errors.New("license: concurrent update conflict")
)

// Store owns all reads and writes of the licenses table. Round consumption
// goes through a compare-and-set so two concurrent requests can never spend
// the same round.
type Store struct {
	db   *gorm.DB
	repo repository.Repository[License]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:   db,
		repo: repository.ProvideStore[License](db),
	}
}

// Get returns the license by id.
func (s *Store) Get(ctx context.Context, id string) (*License, error) {
	lic, err := s.repo.FindOne(ctx, &License{ID: id})
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNotFound
	}
	return lic, nil
}

// FindEligible selects the license a prediction should consume from: active,
// payment-verified, matching user and game type, preferring the fewest
// remaining rounds and then the earliest created. Returns ErrNoneEligible
// when no such license exists and ErrDepleted when all of them are at zero.
func (s *Store) FindEligible(ctx context.Context, userID, gameType string) (*License, error) {
	candidates, err := s.repo.Find(ctx,
		&License{UserID: userID, GameType: gameType, IsActive: true, PaymentVerified: true},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "rounds_remaining",
			OrderBy: "asc",
			Allow:   map[string]bool{"rounds_remaining": true},
		}),
	)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoneEligible
	}

	var pick *License
	for _, candidate := range candidates {
		if candidate.RoundsRemaining <= 0 {
			continue
		}
		if pick == nil ||
			candidate.RoundsRemaining < pick.RoundsRemaining ||
			(candidate.RoundsRemaining == pick.RoundsRemaining && candidate.CreatedAt.Before(pick.CreatedAt)) {
			pick = candidate
		}
	}
	if pick == nil {
		return nil, ErrDepleted
	}
	return pick, nil
}

// TryConsume spends one round iff rounds_remaining still equals expected.
// Returns the new remaining count on success. When the guarded update hits
// no rows the license is re-read to tell ErrNotFound, ErrDepleted and
// ErrConflict apart.
func (s *Store) TryConsume(ctx context.Context, id string, expected int64) (int64, error) {
	if expected <= 0 {
		return 0, ErrDepleted
	}

	result := s.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ? AND rounds_remaining = ?", id, expected).
		Updates(map[string]any{
			"rounds_remaining": gorm.Expr("rounds_remaining - 1"),
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 1 {
		return expected - 1, nil
	}

	current, err := s.repo.FindOne(ctx, &License{ID: id})
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, ErrNotFound
	}
	if current.RoundsRemaining <= 0 {
		return 0, ErrDepleted
	}
	return 0, ErrConflict
}

// Refund gives one round back after a consumed round produced no prediction.
func (s *Store) Refund(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"rounds_remaining": gorm.Expr("rounds_remaining + 1"),
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Issue persists a freshly minted license.
func (s *Store) Issue(ctx context.Context, lic *License) error {
	return s.repo.Create(ctx, lic)
}

// SetActive suspends or reactivates a license. Suspension does not touch
// rounds_remaining and never interrupts a request that already consumed.
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*License, error) {
	updates := map[string]any{
		"is_active":  active,
		"updated_at": time.Now().UTC(),
	}
	if active {
		updates["suspended_at"] = nil
	} else {
		now := time.Now().UTC()
		updates["suspended_at"] = &now
	}

	result := s.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// AdjustRounds applies a signed delta to rounds_remaining inside a locked
// transaction, clamping the balance at zero. It returns the updated license
// and the delta that was actually applied after clamping.
func (s *Store) AdjustRounds(ctx context.Context, id string, delta int64) (*License, int64, error) {
	var (
		updated *License
		applied int64
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.WithTrx(tx).FindOne(ctx, &License{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}

		next := current.RoundsRemaining + delta
		if next < 0 {
			next = 0
		}
		applied = next - current.RoundsRemaining

		if err := tx.Model(&License{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{
				"rounds_remaining": next,
				"updated_at":       time.Now().UTC(),
			}).Error; err != nil {
			return err
		}

		current.RoundsRemaining = next
		updated = current
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return updated, applied, nil
}

// TopUp grants additional rounds. It is the positive-only form of
// AdjustRounds and never clamps.
func (s *Store) TopUp(ctx context.Context, id string, additional int64) (*License, error) {
	if additional <= 0 {
		return nil, fmt.Errorf("%w: top-up must be positive", ErrInvalidArgument)
	}
	lic, _, err := s.AdjustRounds(ctx, id, additional)
	return lic, err
}

// ListByUser returns the user's licenses, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, p pagination.Pagination) ([]*License, error) {
	return s.repo.Find(ctx,
		&License{UserID: userID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.ApplyPagination(p),
	)
}
