package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutSummary aggregates payout.paid events by settlement day
type PayoutSummary struct {
	UpdatedAt   time.Time `json:"updated_at"`
	Day         string    `json:"day"` // YYYY-MM-DD
	PayoutCount int64     `json:"payout_count"`
	GrossCents  int64     `json:"gross_cents"`
}

// GrossAmount renders the aggregated gross in major currency units for
// reconciliation reports. Entity amounts stay integer minor units; decimal is
// used only at the reporting edge.
func (p *PayoutSummary) GrossAmount() decimal.Decimal {
	return decimal.NewFromInt(p.GrossCents).Div(decimal.NewFromInt(100))
}
