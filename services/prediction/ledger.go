package prediction

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"prediction-controlplane/pkg/db/option"
	"prediction-controlplane/pkg/db/pagination"
	"prediction-controlplane/pkg/repository"
)

// Ledger is the append-only record of delivered predictions. Append is
// idempotent on the row id so a retried write after an ambiguous failure
// can never double-record.
type Ledger struct {
	db   *gorm.DB
	repo repository.Repository[Prediction]
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{
		db:   db,
		repo: repository.ProvideStore[Prediction](db),
	}
}

// Append inserts the prediction, silently succeeding when a row with the
// same id already exists.
func (l *Ledger) Append(ctx context.Context, p *Prediction) error {
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(p).Error
}

// ListByUser returns the user's predictions, newest first.
func (l *Ledger) ListByUser(ctx context.Context, userID string, p pagination.Pagination) ([]*Prediction, error) {
	return l.repo.Find(ctx,
		&Prediction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.ApplyPagination(p),
	)
}

// ListByLicense returns every prediction charged against one license,
// newest first.
func (l *Ledger) ListByLicense(ctx context.Context, licenseID string, p pagination.Pagination) ([]*Prediction, error) {
	return l.repo.Find(ctx,
		&Prediction{LicenseID: licenseID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.ApplyPagination(p),
	)
}

// CountByLicense reports how many ledger rows a license has accumulated.
// Reconciliation compares it against the license's consumed rounds.
func (l *Ledger) CountByLicense(ctx context.Context, licenseID string) (int64, error) {
	return l.repo.Count(ctx, &Prediction{LicenseID: licenseID})
}
