package prediction

import (
	"time"

	"gorm.io/datatypes"
)

// Prediction is one immutable ledger row. Rows are only ever appended;
// nothing in the service updates or deletes them.
type Prediction struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	Code           string         `gorm:"column:code;uniqueIndex" json:"code"`
	UserID         string         `gorm:"column:user_id;index" json:"user_id"`
	LicenseID      string         `gorm:"column:license_id;index" json:"license_id"`
	GameType       string         `gorm:"column:game_type" json:"game_type"`
	PredictionData string         `gorm:"column:prediction_data" json:"prediction_data"`
	Context        datatypes.JSON `gorm:"column:context" json:"context,omitempty"`
	Disclaimer     string         `gorm:"column:disclaimer" json:"disclaimer"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Prediction) TableName() string {
	return "predictions"
}

type PredictionParams struct {
	ID             string
	Code           string
	UserID         string
	LicenseID      string
	GameType       string
	PredictionData string
	Context        datatypes.JSON
	Disclaimer     string
}

func NewPrediction(p PredictionParams) *Prediction {
	return &Prediction{
		ID:             p.ID,
		Code:           p.Code,
		UserID:         p.UserID,
		LicenseID:      p.LicenseID,
		GameType:       p.GameType,
		PredictionData: p.PredictionData,
		Context:        p.Context,
		Disclaimer:     p.Disclaimer,
		CreatedAt:      time.Now().UTC(),
	}
}
