package alerting

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpwatch/perpwatch/internal/risk"
	"github.com/perpwatch/perpwatch/pkg/models"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func strPtr(s string) *string { return &s }

func accountRule(cond models.ConditionType, cmp models.Comparison, threshold float64) *models.AlertRule {
	return &models.AlertRule{
		ID:             uuid.New(),
		Name:           "test rule",
		Scope:          models.ScopeAccount,
		ConditionType:  cond,
		Comparison:     cmp,
		ThresholdValue: threshold,
		Severity:       models.SeverityWarning,
		Enabled:        true,
	}
}

func positionRule(cond models.ConditionType, market string, cmp models.Comparison, threshold float64) *models.AlertRule {
	r := accountRule(cond, cmp, threshold)
	r.Scope = models.ScopePosition
	r.PositionMarket = &market
	return r
}

func accountMetrics(equity, maintenance float64) *risk.RiskMetrics {
	m := &risk.RiskMetrics{
		Equity:                 dec(equity),
		MaintenanceRequirement: dec(maintenance),
		Positions:              map[string]*risk.PositionMetrics{},
	}
	if maintenance > 0 {
		ratio := m.Equity.Div(m.MaintenanceRequirement)
		m.MarginRatio = &ratio
		distance := ratio.Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
		m.LiquidationDistancePercent = &distance
	}
	return m
}

func TestEvaluateMarginRatioNotSatisfied(t *testing.T) {
	// Equity 10000, maintenance 2000: 5.0x margin ratio, threshold 2.0 not hit.
	rule := accountRule(models.ConditionMarginRatio, models.CompareLE, 2.0)
	ev := Evaluate(rule, accountMetrics(10000, 2000))

	assert.False(t, ev.Satisfied)
	require.NotNil(t, ev.Value)
	assert.True(t, ev.Value.Equal(dec(5)))
}

func TestEvaluateMarginRatioSatisfied(t *testing.T) {
	// Maintenance rises to 6000: ratio ~1.67x crosses the 2.0 threshold.
	rule := accountRule(models.ConditionMarginRatio, models.CompareLE, 2.0)
	ev := Evaluate(rule, accountMetrics(10000, 6000))

	assert.True(t, ev.Satisfied)
	require.NotNil(t, ev.Value)
	assert.Contains(t, ev.Description, "test rule triggered because Margin Ratio")
	assert.Contains(t, ev.Description, "was less than or equal to 2.00x")
}

func TestEvaluateUndefinedMetricNeverSatisfied(t *testing.T) {
	// Zero maintenance requirement leaves margin ratio and liquidation
	// distance undefined; rules on them must not fire.
	m := accountMetrics(10000, 0)

	for _, cond := range []models.ConditionType{
		models.ConditionMarginRatio,
		models.ConditionLiquidationDistance,
	} {
		ev := Evaluate(accountRule(cond, models.CompareLE, 1000000), m)
		assert.False(t, ev.Satisfied, "condition %s", cond)
		assert.Nil(t, ev.Value, "condition %s", cond)
	}
}

func TestEvaluateMissingPositionNotSatisfied(t *testing.T) {
	rule := positionRule(models.ConditionPositionPnlPercent, "BTC-USD", models.CompareLE, -10)
	ev := Evaluate(rule, accountMetrics(10000, 2000))

	assert.False(t, ev.Satisfied)
	assert.Nil(t, ev.Value)
	assert.Contains(t, ev.Description, "unavailable")
}

func TestEvaluatePositionConditions(t *testing.T) {
	m := accountMetrics(10000, 2000)
	m.Positions["BTC-USD"] = &risk.PositionMetrics{
		Market:               "BTC-USD",
		MarginMode:           risk.MarginCross,
		Size:                 dec(-0.5),
		EntryPrice:           decPtr(50000),
		OraclePrice:          decPtr(48000),
		Notional:             decPtr(24000),
		UnrealizedPnl:        decPtr(1000),
		UnrealizedPnlPercent: decPtr(4),
		Leverage:             decPtr(2.4),
	}

	cases := []struct {
		cond     models.ConditionType
		cmp      models.Comparison
		thresh   float64
		expected bool
	}{
		{models.ConditionPositionPnlPercent, models.CompareGE, 4, true},
		{models.ConditionPositionPnlUSD, models.CompareGT, 500, true},
		{models.ConditionPositionSizeUSD, models.CompareGE, 25000, false},
		{models.ConditionPositionSizeContracts, models.CompareGE, 0.5, true},
		{models.ConditionPositionLeverage, models.CompareGT, 3, false},
		{models.ConditionPositionEntryPrice, models.CompareGE, 50000, true},
		{models.ConditionPositionOraclePrice, models.CompareLT, 49000, true},
	}
	for _, tc := range cases {
		ev := Evaluate(positionRule(tc.cond, "BTC-USD", tc.cmp, tc.thresh), m)
		assert.Equal(t, tc.expected, ev.Satisfied, "condition %s", tc.cond)
		assert.NotNil(t, ev.Value, "condition %s", tc.cond)
	}
}

func TestEvaluateNilPositionMetricNotSatisfied(t *testing.T) {
	m := accountMetrics(10000, 2000)
	// Open position without leverage (zero equity case upstream).
	m.Positions["BTC-USD"] = &risk.PositionMetrics{Market: "BTC-USD", Size: dec(1)}

	ev := Evaluate(positionRule(models.ConditionPositionLeverage, "BTC-USD", models.CompareGE, 0), m)
	assert.False(t, ev.Satisfied)
	assert.Nil(t, ev.Value)
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		actual, threshold float64
		op                models.Comparison
		want              bool
	}{
		{1, 2, models.CompareLT, true},
		{2, 2, models.CompareLT, false},
		{2, 2, models.CompareLE, true},
		{3, 2, models.CompareGT, true},
		{2, 2, models.CompareGE, true},
		{2, 2, models.CompareEQ, true},
		// Exact equality: no epsilon tolerance.
		{2.0001, 2, models.CompareEQ, false},
	}
	for _, tc := range cases {
		got := compare(dec(tc.actual), dec(tc.threshold), tc.op)
		assert.Equal(t, tc.want, got, "%v %s %v", tc.actual, tc.op, tc.threshold)
	}
}

func TestAggregatePositionSize(t *testing.T) {
	m := accountMetrics(10000, 2000)
	m.TotalNotional = dec(75000)

	ev := Evaluate(accountRule(models.ConditionPositionSize, models.CompareGE, 50000), m)
	assert.True(t, ev.Satisfied)
	require.NotNil(t, ev.Value)
	assert.True(t, ev.Value.Equal(dec(75000)))
}

func TestGenerateRuleDescription(t *testing.T) {
	rule := accountRule(models.ConditionMarginRatio, models.CompareLT, 1.5)
	assert.Equal(t, "Alert when Margin Ratio drops below 1.50x", GenerateRuleDescription(rule))

	pr := positionRule(models.ConditionPositionPnlPercent, "ETH-USD", models.CompareLE, -10)
	assert.Equal(t, "Alert when ETH-USD Position PnL % drops to or below -10.00%", GenerateRuleDescription(pr))
}

func TestFormatMessageCustomOverride(t *testing.T) {
	rule := accountRule(models.ConditionMarginRatio, models.CompareLE, 2)
	rule.CustomMessage = strPtr("margin is getting thin")

	sub := &models.Subaccount{Address: "dydx1abc", SubaccountNumber: 0}
	msg := FormatMessage(rule, sub, accountMetrics(10000, 6000), dec(1.67), "")
	assert.Equal(t, "margin is getting thin", msg)
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "1,234,567.89", humanize(1234567.891, 2))
	assert.Equal(t, "-1,000.00", humanize(-1000, 2))
	assert.Equal(t, "0.5000", humanize(0.5, 4))
}
