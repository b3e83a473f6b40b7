// Package risk computes margin and liquidation metrics for a subaccount
// snapshot. The calculator is pure: no I/O, deterministic for a given input.
package risk

import (
	"github.com/shopspring/decimal"
)

// MarginMode selects which liquidation price applies to a position.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// MarketInfo is the market-level data the calculator reads. Absent values
// stay nil; the calculator falls back to defaults or skips the derived metric.
type MarketInfo struct {
	OraclePrice               *decimal.Decimal `json:"oracle_price,omitempty"`
	MaintenanceMarginFraction *decimal.Decimal `json:"maintenance_margin_fraction,omitempty"`
	InitialMarginFraction     *decimal.Decimal `json:"initial_margin_fraction,omitempty"`
	OpenInterest              *decimal.Decimal `json:"open_interest,omitempty"`
	OpenInterestLowerCap      *decimal.Decimal `json:"open_interest_lower_cap,omitempty"`
	OpenInterestUpperCap      *decimal.Decimal `json:"open_interest_upper_cap,omitempty"`
}

// Position is one open perpetual position. Size is signed: negative for
// shorts.
type Position struct {
	Market         string           `json:"market"`
	Size           decimal.Decimal  `json:"size"`
	EntryPrice     *decimal.Decimal `json:"entry_price,omitempty"`
	UnrealizedPnl  *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	RealizedPnl    *decimal.Decimal `json:"realized_pnl,omitempty"`
	FundingPayment *decimal.Decimal `json:"funding_payment,omitempty"`
	MarginMode     MarginMode       `json:"margin_mode"`

	// ProtocolLiquidationPrice is the exchange-reported liquidation price,
	// preferred over the locally derived one when present.
	ProtocolLiquidationPrice *decimal.Decimal `json:"protocol_liquidation_price,omitempty"`
}

// AccountSnapshot is the normalized view of a subaccount used as calculator
// input. Equity and FreeCollateral come from the exchange API when available.
type AccountSnapshot struct {
	Equity         decimal.Decimal     `json:"equity"`
	FreeCollateral *decimal.Decimal    `json:"free_collateral,omitempty"`
	Positions      map[string]Position `json:"positions"`
}

// PositionMetrics holds the derived values for one position. Optional fields
// are nil when the inputs needed to derive them are missing, never zero.
type PositionMetrics struct {
	Market     string     `json:"market"`
	MarginMode MarginMode `json:"margin_mode"`

	Size        decimal.Decimal  `json:"size"`
	EntryPrice  *decimal.Decimal `json:"entry_price,omitempty"`
	OraclePrice *decimal.Decimal `json:"oracle_price,omitempty"`

	MaintenanceMarginFraction decimal.Decimal `json:"maintenance_margin_fraction"`
	InitialMarginFraction     decimal.Decimal `json:"initial_margin_fraction"`
	MaintenanceRequirement    decimal.Decimal `json:"maintenance_requirement"`
	InitialRequirement        decimal.Decimal `json:"initial_requirement"`

	Notional             *decimal.Decimal `json:"notional,omitempty"`
	UnrealizedPnl        *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	UnrealizedPnlPercent *decimal.Decimal `json:"unrealized_pnl_percent,omitempty"`
	RealizedPnl          *decimal.Decimal `json:"realized_pnl,omitempty"`
	FundingPayment       *decimal.Decimal `json:"funding_payment,omitempty"`
	Leverage             *decimal.Decimal `json:"leverage,omitempty"`

	LiquidationDistancePercent *decimal.Decimal `json:"liquidation_distance_percent,omitempty"`
	IsolatedLiquidationPrice   *decimal.Decimal `json:"isolated_liquidation_price,omitempty"`
	CrossLiquidationPrice      *decimal.Decimal `json:"cross_liquidation_price,omitempty"`
}

// LiquidationPrice returns the price matching the position's margin mode:
// the isolated price for isolated positions, the cross price otherwise.
func (p *PositionMetrics) LiquidationPrice() *decimal.Decimal {
	if p.MarginMode == MarginIsolated {
		return p.IsolatedLiquidationPrice
	}
	return p.CrossLiquidationPrice
}

// RiskMetrics is the account-level result. MarginRatio and
// LiquidationDistancePercent are nil when the maintenance requirement is
// zero or equity is unknown; downstream consumers must treat nil as
// "undefined", not as zero.
type RiskMetrics struct {
	Equity                 decimal.Decimal `json:"equity"`
	MaintenanceRequirement decimal.Decimal `json:"maintenance_requirement"`
	InitialRequirement     decimal.Decimal `json:"initial_requirement"`
	FreeCollateral         decimal.Decimal `json:"free_collateral"`
	TotalNotional          decimal.Decimal `json:"total_notional"`

	MarginRatio                *decimal.Decimal `json:"margin_ratio,omitempty"`
	LiquidationDistancePercent *decimal.Decimal `json:"liquidation_distance_percent,omitempty"`

	Positions map[string]*PositionMetrics `json:"positions"`
}

// Status buckets for the built-in threshold monitor and the status API.
const (
	StatusSafe       = "safe"
	StatusWarning    = "warning"
	StatusCritical   = "critical"
	StatusLiquidated = "liquidated"
)

// Status classifies the account by its liquidation distance against the
// subaccount's configured warning threshold. An undefined distance means no
// open exposure, which is safe.
func (m *RiskMetrics) Status(warningThresholdPct float64) string {
	if m.LiquidationDistancePercent == nil {
		return StatusSafe
	}
	d := *m.LiquidationDistancePercent
	switch {
	case d.Sign() <= 0:
		return StatusLiquidated
	case d.LessThanOrEqual(decimal.NewFromInt(5)):
		return StatusCritical
	case d.LessThanOrEqual(decimal.NewFromFloat(warningThresholdPct)):
		return StatusWarning
	default:
		return StatusSafe
	}
}
