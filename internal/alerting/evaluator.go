// Package alerting evaluates user alert rules against risk metrics and
// orchestrates firing, archival, dispatch and broadcast.
package alerting

import (
	"github.com/shopspring/decimal"

	"github.com/perpwatch/perpwatch/internal/risk"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// Evaluation is the outcome of checking one rule against one metrics
// snapshot. Value is nil when the metric the rule watches is undefined in
// this snapshot; a nil value is never satisfied.
type Evaluation struct {
	Satisfied   bool
	Value       *decimal.Decimal
	Description string
}

// Evaluate checks a rule's condition against the metrics. Missing data
// (closed position, market gone, undefined ratio) yields Satisfied=false,
// never an error: threshold crossing must not be inferred from absence.
func Evaluate(rule *models.AlertRule, metrics *risk.RiskMetrics) Evaluation {
	value := actualValue(rule, metrics)
	if value == nil {
		return Evaluation{
			Satisfied:   false,
			Description: rule.Name + ": " + conditionLabel(rule.ConditionType) + " unavailable",
		}
	}

	threshold := decimal.NewFromFloat(rule.ThresholdValue)
	ev := Evaluation{
		Satisfied:   compare(*value, threshold, rule.Comparison),
		Value:       value,
		Description: describeEvaluation(rule, *value),
	}
	return ev
}

// actualValue extracts the metric a rule watches. Account-scope conditions
// read account metrics; position-scope conditions require the rule's market
// to be present in the snapshot.
func actualValue(rule *models.AlertRule, m *risk.RiskMetrics) *decimal.Decimal {
	switch rule.ConditionType {
	case models.ConditionLiquidationDistance:
		return m.LiquidationDistancePercent
	case models.ConditionMarginRatio:
		return m.MarginRatio
	case models.ConditionEquityDrop:
		return &m.Equity
	case models.ConditionPositionSize:
		return &m.TotalNotional
	case models.ConditionFreeCollateral:
		return &m.FreeCollateral
	}

	if rule.PositionMarket == nil {
		return nil
	}
	pm, ok := m.Positions[*rule.PositionMarket]
	if !ok {
		return nil
	}

	switch rule.ConditionType {
	case models.ConditionPositionPnlPercent:
		return pm.UnrealizedPnlPercent
	case models.ConditionPositionPnlUSD:
		return pm.UnrealizedPnl
	case models.ConditionPositionSizeUSD:
		return pm.Notional
	case models.ConditionPositionSizeContracts:
		size := pm.Size.Abs()
		return &size
	case models.ConditionPositionLiqDistance:
		return pm.LiquidationDistancePercent
	case models.ConditionPositionLeverage:
		return pm.Leverage
	case models.ConditionPositionEntryPrice:
		return absPtr(pm.EntryPrice)
	case models.ConditionPositionOraclePrice:
		return absPtr(pm.OraclePrice)
	}
	return nil
}

// compare applies the rule's operator. Equality is exact: no epsilon is
// applied, so == against continuously moving metrics is unlikely to ever
// match. See the rule creation docs.
func compare(actual, threshold decimal.Decimal, op models.Comparison) bool {
	switch op {
	case models.CompareLT:
		return actual.LessThan(threshold)
	case models.CompareLE:
		return actual.LessThanOrEqual(threshold)
	case models.CompareGT:
		return actual.GreaterThan(threshold)
	case models.CompareGE:
		return actual.GreaterThanOrEqual(threshold)
	case models.CompareEQ:
		return actual.Equal(threshold)
	}
	return false
}

func absPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	abs := d.Abs()
	return &abs
}
