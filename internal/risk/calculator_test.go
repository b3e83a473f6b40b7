package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func btcMarket(oracle float64) map[string]MarketInfo {
	return map[string]MarketInfo{
		"BTC-USD": {
			OraclePrice:               decPtr(oracle),
			MaintenanceMarginFraction: decPtr(0.03),
			InitialMarginFraction:     decPtr(0.05),
		},
	}
}

func TestComputeMarginRatio(t *testing.T) {
	calc := NewCalculator()

	// Equity 10000, 4 BTC at 50000 with mmf 0.01 gives MMR 2000 and a 5x
	// margin ratio.
	snap := AccountSnapshot{
		Equity: dec(10000),
		Positions: map[string]Position{
			"BTC-USD": {Market: "BTC-USD", Size: dec(4), EntryPrice: decPtr(50000)},
		},
	}
	markets := map[string]MarketInfo{
		"BTC-USD": {
			OraclePrice:               decPtr(50000),
			MaintenanceMarginFraction: decPtr(0.01),
			InitialMarginFraction:     decPtr(0.02),
		},
	}

	m := calc.Compute(snap, markets)

	assert.True(t, m.MaintenanceRequirement.Equal(dec(2000)))
	require.NotNil(t, m.MarginRatio)
	assert.True(t, m.MarginRatio.Equal(dec(5)))
	require.NotNil(t, m.LiquidationDistancePercent)
	assert.True(t, m.LiquidationDistancePercent.Equal(dec(400)))
}

func TestComputeUndefinedOnZeroMaintenance(t *testing.T) {
	calc := NewCalculator()

	m := calc.Compute(AccountSnapshot{Equity: dec(10000)}, nil)

	assert.Nil(t, m.MarginRatio)
	assert.Nil(t, m.LiquidationDistancePercent)
	assert.Empty(t, m.Positions)
}

func TestComputeFreeCollateral(t *testing.T) {
	calc := NewCalculator()

	snap := AccountSnapshot{
		Equity: dec(10000),
		Positions: map[string]Position{
			"BTC-USD": {Market: "BTC-USD", Size: dec(1)},
		},
	}
	m := calc.Compute(snap, btcMarket(50000))
	// IMR = 50000 * 0.05 = 2500
	assert.True(t, m.FreeCollateral.Equal(dec(7500)), "derived free collateral, got %s", m.FreeCollateral)

	snap.FreeCollateral = decPtr(8000)
	m = calc.Compute(snap, btcMarket(50000))
	assert.True(t, m.FreeCollateral.Equal(dec(8000)), "API value preferred")
}

func TestIsolatedLiquidationPriceShort(t *testing.T) {
	calc := NewCalculator()

	// Worked example: deposit 1000, short 3 ETH at 3000, MMF 5% gives a
	// liquidation price of (1000+9000)/(0.15+3) = 3174.60.
	snap := AccountSnapshot{
		Equity: dec(1000),
		Positions: map[string]Position{
			"ETH-USD": {Market: "ETH-USD", Size: dec(-3), EntryPrice: decPtr(3000)},
		},
	}
	markets := map[string]MarketInfo{
		"ETH-USD": {
			OraclePrice:               decPtr(3000),
			MaintenanceMarginFraction: decPtr(0.05),
			InitialMarginFraction:     decPtr(0.1),
		},
	}

	m := calc.Compute(snap, markets)
	pm := m.Positions["ETH-USD"]
	require.NotNil(t, pm)
	require.NotNil(t, pm.IsolatedLiquidationPrice)

	expected := dec(10000).Div(dec(3.15))
	assert.True(t, pm.IsolatedLiquidationPrice.Sub(expected).Abs().LessThan(dec(0.01)),
		"got %s want %s", pm.IsolatedLiquidationPrice, expected)
}

func TestCrossLiquidationSubtractsOtherRequirements(t *testing.T) {
	calc := NewCalculator()

	snap := AccountSnapshot{
		Equity: dec(10000),
		Positions: map[string]Position{
			"BTC-USD": {Market: "BTC-USD", Size: dec(1), EntryPrice: decPtr(50000)},
			"ETH-USD": {Market: "ETH-USD", Size: dec(10), EntryPrice: decPtr(3000)},
		},
	}
	markets := map[string]MarketInfo{
		"BTC-USD": {OraclePrice: decPtr(50000), MaintenanceMarginFraction: decPtr(0.03), InitialMarginFraction: decPtr(0.05)},
		"ETH-USD": {OraclePrice: decPtr(3000), MaintenanceMarginFraction: decPtr(0.03), InitialMarginFraction: decPtr(0.05)},
	}

	m := calc.Compute(snap, markets)
	pm := m.Positions["BTC-USD"]
	require.NotNil(t, pm)
	require.NotNil(t, pm.IsolatedLiquidationPrice)
	require.NotNil(t, pm.CrossLiquidationPrice)
	// With other positions consuming margin the cross liquidation price for
	// a long sits above the isolated one.
	assert.True(t, pm.CrossLiquidationPrice.GreaterThan(*pm.IsolatedLiquidationPrice))
}

func TestLiquidationPriceSelectionByMarginMode(t *testing.T) {
	iso := decPtr(101)
	cross := decPtr(99)

	pm := &PositionMetrics{
		MarginMode:               MarginIsolated,
		IsolatedLiquidationPrice: iso,
		CrossLiquidationPrice:    cross,
	}
	assert.Equal(t, iso, pm.LiquidationPrice())

	pm.MarginMode = MarginCross
	assert.Equal(t, cross, pm.LiquidationPrice())
}

func TestProtocolPriceOverridesByMarginMode(t *testing.T) {
	calc := NewCalculator()

	snap := AccountSnapshot{
		Equity: dec(1000),
		Positions: map[string]Position{
			"BTC-USD": {
				Market:                   "BTC-USD",
				Size:                     dec(0.1),
				EntryPrice:               decPtr(50000),
				MarginMode:               MarginIsolated,
				ProtocolLiquidationPrice: decPtr(42000),
			},
		},
	}

	m := calc.Compute(snap, btcMarket(50000))
	pm := m.Positions["BTC-USD"]
	require.NotNil(t, pm)
	require.NotNil(t, pm.IsolatedLiquidationPrice)
	assert.True(t, pm.IsolatedLiquidationPrice.Equal(dec(42000)))
	require.NotNil(t, pm.LiquidationPrice())
	assert.True(t, pm.LiquidationPrice().Equal(dec(42000)))
}

func TestUnrealizedPnlPercentGuardsZeroEntry(t *testing.T) {
	calc := NewCalculator()

	snap := AccountSnapshot{
		Equity: dec(1000),
		Positions: map[string]Position{
			"BTC-USD": {
				Market:        "BTC-USD",
				Size:          dec(1),
				EntryPrice:    decPtr(0),
				UnrealizedPnl: decPtr(100),
			},
		},
	}
	m := calc.Compute(snap, btcMarket(50000))
	pm := m.Positions["BTC-USD"]
	require.NotNil(t, pm)
	assert.Nil(t, pm.UnrealizedPnlPercent)

	pos := snap.Positions["BTC-USD"]
	pos.EntryPrice = decPtr(50000)
	snap.Positions["BTC-USD"] = pos
	m = calc.Compute(snap, btcMarket(50000))
	pm = m.Positions["BTC-USD"]
	require.NotNil(t, pm.UnrealizedPnlPercent)
	assert.True(t, pm.UnrealizedPnlPercent.Equal(dec(0.2)))
}

func TestLeverageGuardsZeroEquity(t *testing.T) {
	calc := NewCalculator()

	snap := AccountSnapshot{
		Equity: dec(0),
		Positions: map[string]Position{
			"BTC-USD": {Market: "BTC-USD", Size: dec(1), EntryPrice: decPtr(50000)},
		},
	}
	m := calc.Compute(snap, btcMarket(50000))
	pm := m.Positions["BTC-USD"]
	require.NotNil(t, pm)
	assert.Nil(t, pm.Leverage)
}

func TestEffectiveIMFScaling(t *testing.T) {
	calc := NewCalculator()

	markets := map[string]MarketInfo{
		"DOGE-USD": {
			OraclePrice:           decPtr(1),
			InitialMarginFraction: decPtr(0.2),
			OpenInterest:          decPtr(150),
			OpenInterestLowerCap:  decPtr(100),
			OpenInterestUpperCap:  decPtr(200),
		},
	}
	// scale = 0.5, increase = 0.5 * 0.8 = 0.4, effective = 0.6
	imf := calc.EffectiveIMF("DOGE-USD", markets)
	assert.True(t, imf.Equal(dec(0.6)), "got %s", imf)

	// Above the upper cap the scale clamps to 1 and the IMF to 100%.
	markets["DOGE-USD"] = MarketInfo{
		OraclePrice:           decPtr(1),
		InitialMarginFraction: decPtr(0.2),
		OpenInterest:          decPtr(1000),
		OpenInterestLowerCap:  decPtr(100),
		OpenInterestUpperCap:  decPtr(200),
	}
	imf = calc.EffectiveIMF("DOGE-USD", markets)
	assert.True(t, imf.Equal(one))

	// Missing caps: base IMF unchanged.
	markets["DOGE-USD"] = MarketInfo{
		OraclePrice:           decPtr(1),
		InitialMarginFraction: decPtr(0.2),
	}
	imf = calc.EffectiveIMF("DOGE-USD", markets)
	assert.True(t, imf.Equal(dec(0.2)))
}

func TestStatusBuckets(t *testing.T) {
	mk := func(distance *float64) *RiskMetrics {
		m := &RiskMetrics{}
		if distance != nil {
			d := decimal.NewFromFloat(*distance)
			m.LiquidationDistancePercent = &d
		}
		return m
	}
	f := func(v float64) *float64 { return &v }

	assert.Equal(t, StatusSafe, mk(nil).Status(10))
	assert.Equal(t, StatusSafe, mk(f(50)).Status(10))
	assert.Equal(t, StatusWarning, mk(f(8)).Status(10))
	assert.Equal(t, StatusCritical, mk(f(4)).Status(10))
	assert.Equal(t, StatusLiquidated, mk(f(-1)).Status(10))
}
