package risk

import (
	"github.com/shopspring/decimal"
)

var (
	defaultMaintenanceMarginFraction = decimal.NewFromFloat(0.03)
	defaultInitialMarginFraction     = decimal.NewFromFloat(0.05)

	hundred  = decimal.NewFromInt(100)
	one      = decimal.NewFromInt(1)
	maxPrice = decimal.NewFromInt(10_000_000)
)

// Calculator derives account and position risk metrics per the dYdX v4
// margin formulas:
//
//	Total MMR = Σ |Si × Pi × Mi|
//	Total IMR = Σ |Si × Pi × Ii| with open-interest IMF scaling
//	Free Collateral = equity − Total IMR (API value preferred)
//	Liquidation price p' = (e − s·p [− MMR_other]) / (|s|·MMF − s)
type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Compute derives the full metric set for a snapshot. Markets missing from
// the map fall back to default margin fractions and entry-price valuation.
func (c *Calculator) Compute(snap AccountSnapshot, markets map[string]MarketInfo) *RiskMetrics {
	metrics := &RiskMetrics{
		Equity:    snap.Equity,
		Positions: make(map[string]*PositionMetrics, len(snap.Positions)),
	}

	// Account-level requirement sums.
	for market, pos := range snap.Positions {
		if pos.Size.IsZero() {
			continue
		}
		price := c.oraclePrice(market, pos, markets)
		if price == nil {
			continue
		}
		notional := pos.Size.Abs().Mul(*price)
		if notional.IsZero() {
			continue
		}
		metrics.MaintenanceRequirement = metrics.MaintenanceRequirement.
			Add(notional.Mul(c.maintenanceFraction(market, markets)))
		metrics.InitialRequirement = metrics.InitialRequirement.
			Add(notional.Mul(c.EffectiveIMF(market, markets)))
	}

	if snap.FreeCollateral != nil {
		metrics.FreeCollateral = *snap.FreeCollateral
	} else {
		metrics.FreeCollateral = snap.Equity.Sub(metrics.InitialRequirement)
	}

	if metrics.MaintenanceRequirement.Sign() > 0 {
		ratio := snap.Equity.Div(metrics.MaintenanceRequirement)
		metrics.MarginRatio = &ratio
		distance := ratio.Sub(one).Mul(hundred)
		metrics.LiquidationDistancePercent = &distance
	}

	for market, pos := range snap.Positions {
		if pos.Size.IsZero() {
			continue
		}
		metrics.Positions[market] = c.computePosition(market, pos, snap.Equity, metrics.MaintenanceRequirement, markets)
		if n := metrics.Positions[market].Notional; n != nil {
			metrics.TotalNotional = metrics.TotalNotional.Add(*n)
		}
	}

	return metrics
}

func (c *Calculator) computePosition(
	market string,
	pos Position,
	equity decimal.Decimal,
	totalMaintenance decimal.Decimal,
	markets map[string]MarketInfo,
) *PositionMetrics {
	mmf := c.maintenanceFraction(market, markets)
	imf := c.EffectiveIMF(market, markets)

	pm := &PositionMetrics{
		Market:                    market,
		MarginMode:                normalizeMarginMode(pos.MarginMode),
		Size:                      pos.Size,
		EntryPrice:                pos.EntryPrice,
		MaintenanceMarginFraction: mmf,
		InitialMarginFraction:     imf,
		UnrealizedPnl:             pos.UnrealizedPnl,
		RealizedPnl:               pos.RealizedPnl,
		FundingPayment:            pos.FundingPayment,
	}

	price := c.oraclePrice(market, pos, markets)
	pm.OraclePrice = price

	if price != nil {
		notional := pos.Size.Abs().Mul(*price)
		pm.Notional = &notional
		pm.MaintenanceRequirement = notional.Mul(mmf)
		pm.InitialRequirement = notional.Mul(imf)
	}

	// Liquidation prices use the current oracle price: equity already
	// reflects unrealized PnL at that price.
	if price != nil {
		otherReq := totalMaintenance.Sub(pm.MaintenanceRequirement)
		if otherReq.Sign() < 0 {
			otherReq = decimal.Zero
		}
		pm.IsolatedLiquidationPrice = sanitizePrice(liquidationPrice(equity, pos.Size, *price, mmf, decimal.Zero))
		pm.CrossLiquidationPrice = sanitizePrice(liquidationPrice(equity, pos.Size, *price, mmf, otherReq))
	}

	// The exchange-reported price is authoritative for the position's own
	// margin mode.
	if protocol := sanitizePrice(pos.ProtocolLiquidationPrice); protocol != nil {
		if pm.MarginMode == MarginIsolated {
			pm.IsolatedLiquidationPrice = protocol
		} else {
			pm.CrossLiquidationPrice = protocol
		}
	}

	if pos.UnrealizedPnl != nil && pos.EntryPrice != nil {
		entryValue := pos.Size.Mul(*pos.EntryPrice).Abs()
		if entryValue.Sign() > 0 {
			pct := pos.UnrealizedPnl.Div(entryValue).Mul(hundred)
			pm.UnrealizedPnlPercent = &pct
		}
	}

	if pm.Notional != nil && equity.Sign() != 0 {
		lev := pm.Notional.Div(equity)
		pm.Leverage = &lev
	}

	// Position-level liquidation distance: the position's notional plus its
	// unrealized PnL against its own maintenance requirement.
	if pm.Notional != nil && pm.MaintenanceRequirement.Sign() > 0 {
		contribution := *pm.Notional
		if pos.UnrealizedPnl != nil {
			contribution = contribution.Add(*pos.UnrealizedPnl)
		}
		if contribution.Sign() > 0 {
			dist := contribution.Div(pm.MaintenanceRequirement).Sub(one).Mul(hundred)
			pm.LiquidationDistancePercent = &dist
		}
	}

	return pm
}

// EffectiveIMF applies open-interest IMF scaling:
//
//	effective = min(base + max(scale·(1−base), 0), 1)
//	scale = clamp((openNotional − lowerCap) / (upperCap − lowerCap), 0, 1)
func (c *Calculator) EffectiveIMF(market string, markets map[string]MarketInfo) decimal.Decimal {
	base := defaultInitialMarginFraction
	info, ok := markets[market]
	if !ok {
		return base
	}
	if info.InitialMarginFraction != nil {
		base = *info.InitialMarginFraction
	}

	if info.OpenInterest == nil || info.OraclePrice == nil ||
		info.OpenInterestLowerCap == nil || info.OpenInterestUpperCap == nil {
		return base
	}
	capRange := info.OpenInterestUpperCap.Sub(*info.OpenInterestLowerCap)
	if capRange.IsZero() {
		return base
	}

	openNotional := info.OpenInterest.Mul(*info.OraclePrice).Abs()
	scale := openNotional.Sub(*info.OpenInterestLowerCap).Div(capRange)
	scale = clamp(scale, decimal.Zero, one)

	increase := scale.Mul(one.Sub(base))
	if increase.Sign() < 0 {
		increase = decimal.Zero
	}
	effective := base.Add(increase)
	if effective.GreaterThan(one) {
		effective = one
	}
	return effective
}

func (c *Calculator) maintenanceFraction(market string, markets map[string]MarketInfo) decimal.Decimal {
	if info, ok := markets[market]; ok && info.MaintenanceMarginFraction != nil {
		return *info.MaintenanceMarginFraction
	}
	return defaultMaintenanceMarginFraction
}

// oraclePrice prefers market data; positions only carry the entry price,
// which is a last-resort valuation.
func (c *Calculator) oraclePrice(market string, pos Position, markets map[string]MarketInfo) *decimal.Decimal {
	if info, ok := markets[market]; ok && info.OraclePrice != nil {
		return info.OraclePrice
	}
	return pos.EntryPrice
}

// liquidationPrice solves p' = (e − s·p − otherReq) / (|s|·MMF − s). Returns
// nil when the denominator is zero.
func liquidationPrice(equity, size, oracle, mmf, otherReq decimal.Decimal) *decimal.Decimal {
	denom := size.Abs().Mul(mmf).Sub(size)
	if denom.IsZero() {
		return nil
	}
	p := equity.Sub(size.Mul(oracle)).Sub(otherReq).Div(denom)
	return &p
}

// sanitizePrice drops non-positive and absurd prices, which arise when a
// position cannot be liquidated in the solved direction.
func sanitizePrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	if p.Sign() <= 0 || p.GreaterThan(maxPrice) {
		return nil
	}
	return p
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func normalizeMarginMode(m MarginMode) MarginMode {
	if m == MarginIsolated {
		return MarginIsolated
	}
	return MarginCross
}
