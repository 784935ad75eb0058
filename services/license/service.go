package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"prediction-controlplane/pkg/claims"
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/db/pagination"
	"prediction-controlplane/pkg/sequence"
)

var (
	// ErrPermissionDenied means the caller's role may not operate the
	// admin control plane.
	ErrPermissionDenied = errors.New("license: admin role required")

	// ErrInvalidArgument means a request field failed validation.
	ErrInvalidArgument = errors.New("license: invalid argument")

	// ErrPaymentUnavailable means the payment collaborator could not be
	// consulted during issuance.
	ErrPaymentUnavailable = errors.New("license: payment verification unavailable")
)

// Service is the admin control plane over licenses. Every method performs a
// role membership check against the caller's claims before touching the store.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	config   *config.Config
	store    *Store
	payments PaymentVerifier
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Seq      sequence.Generator
	Config   *config.Config
	Store    *Store
	Payments PaymentVerifier
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Seq,
		config:   p.Config,
		store:    p.Store,
		payments: p.Payments,
	}
}

type IssueLicenseRequest struct {
	UserID   string `json:"user_id"`
	GameType string `json:"game_type"`
	Rounds   int64  `json:"rounds"`
}

type AdjustRoundsRequest struct {
	LicenseID string `json:"-"`
	Delta     int64  `json:"delta"`
}

type AdjustRoundsResponse struct {
	License      *License `json:"license"`
	AppliedDelta int64    `json:"applied_delta"`
}

type ListLicensesRequest struct {
	UserID     string
	Pagination pagination.Pagination
}

// IssueLicense mints a new license for a user. Payment verification is
// consulted at issuance time; a license issued while the payment endpoint
// reports unverified stays unusable until it is re-issued.
func (s *Service) IssueLicense(ctx context.Context, caller claims.Claims, req IssueLicenseRequest) (*License, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}

	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.GameType) == "" {
		return nil, fmt.Errorf("%w: game_type is required", ErrInvalidArgument)
	}
	if req.Rounds <= 0 {
		return nil, fmt.Errorf("%w: rounds must be positive", ErrInvalidArgument)
	}

	verified, err := s.payments.Verified(ctx, req.UserID)
	if err != nil {
		zapLog.Error("failed to verify payment", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, ErrPaymentUnavailable
	}

	key, err := s.seq.NextLicenseKey(ctx)
	if err != nil {
		zapLog.Error("failed to generate license key", zap.Error(err))
		return nil, err
	}

	now := time.Now().UTC()
	lic := &License{
		ID:              s.node.Generate().String(),
		UserID:          req.UserID,
		GameType:        slug.Make(req.GameType),
		LicenseKey:      key,
		InitialRounds:   req.Rounds,
		RoundsRemaining: req.Rounds,
		PaymentVerified: verified,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Issue(ctx, lic); err != nil {
		zapLog.Error("failed to issue license", zap.Error(err))
		return nil, err
	}

	zapLog.Info("license issued",
		zap.String("license_id", lic.ID),
		zap.String("user_id", lic.UserID),
		zap.String("game_type", lic.GameType),
		zap.Int64("rounds", lic.InitialRounds),
		zap.Bool("payment_verified", lic.PaymentVerified),
	)
	return lic, nil
}

// SuspendLicense disables a license. Requests that already consumed a round
// run to completion; only future selections are affected.
func (s *Service) SuspendLicense(ctx context.Context, caller claims.Claims, licenseID string) (*License, error) {
	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}

	lic, err := s.store.SetActive(ctx, licenseID, false)
	if err != nil {
		return nil, err
	}

	zap.L().Info("license suspended", zap.String("license_id", licenseID))
	return lic, nil
}

// ReactivateLicense re-enables a suspended license with its remaining
// rounds intact.
func (s *Service) ReactivateLicense(ctx context.Context, caller claims.Claims, licenseID string) (*License, error) {
	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}

	lic, err := s.store.SetActive(ctx, licenseID, true)
	if err != nil {
		return nil, err
	}

	zap.L().Info("license reactivated", zap.String("license_id", licenseID))
	return lic, nil
}

// AdjustRounds grants or revokes rounds. Revocation clamps at zero; the
// response carries the delta that actually landed.
func (s *Service) AdjustRounds(ctx context.Context, caller claims.Claims, req AdjustRoundsRequest) (*AdjustRoundsResponse, error) {
	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidArgument)
	}

	lic, applied, err := s.store.AdjustRounds(ctx, req.LicenseID, req.Delta)
	if err != nil {
		return nil, err
	}

	zap.L().Info("license rounds adjusted",
		zap.String("license_id", req.LicenseID),
		zap.Int64("requested_delta", req.Delta),
		zap.Int64("applied_delta", applied),
		zap.Int64("rounds_remaining", lic.RoundsRemaining),
	)
	return &AdjustRoundsResponse{License: lic, AppliedDelta: applied}, nil
}

// GetLicense returns a single license by id.
func (s *Service) GetLicense(ctx context.Context, caller claims.Claims, licenseID string) (*License, error) {
	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}
	return s.store.Get(ctx, licenseID)
}

// ListLicenses returns a user's licenses, newest first.
func (s *Service) ListLicenses(ctx context.Context, caller claims.Claims, req ListLicensesRequest) ([]*License, error) {
	if !caller.Role.CanAdministerLicenses() {
		return nil, ErrPermissionDenied
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	return s.store.ListByUser(ctx, req.UserID, req.Pagination)
}
