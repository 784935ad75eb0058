package license

import "time"

// License is a consumable bundle of prediction rounds tied to one user
// and one game type.
type License struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	UserID          string     `gorm:"column:user_id;index:idx_licenses_user_game" json:"user_id"`
	GameType        string     `gorm:"column:game_type;index:idx_licenses_user_game" json:"game_type"`
	LicenseKey      string     `gorm:"column:license_key;uniqueIndex" json:"license_key"`
	InitialRounds   int64      `gorm:"column:initial_rounds" json:"initial_rounds"`
	RoundsRemaining int64      `gorm:"column:rounds_remaining" json:"rounds_remaining"`
	PaymentVerified bool       `gorm:"column:payment_verified" json:"payment_verified"`
	IsActive        bool       `gorm:"column:is_active" json:"is_active"`
	SuspendedAt     *time.Time `gorm:"column:suspended_at" json:"suspended_at,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (License) TableName() string {
	return "licenses"
}

// Eligible reports whether the license can serve a prediction right now.
func (l *License) Eligible() bool {
	return l.IsActive && l.PaymentVerified && l.RoundsRemaining > 0
}
