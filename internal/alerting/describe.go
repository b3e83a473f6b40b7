package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/perpwatch/perpwatch/internal/risk"
	"github.com/perpwatch/perpwatch/pkg/models"
)

var conditionLabels = map[models.ConditionType]string{
	models.ConditionLiquidationDistance: "Liquidation Distance",
	models.ConditionMarginRatio:         "Margin Ratio",
	models.ConditionEquityDrop:          "Equity",
	models.ConditionPositionSize:        "Position Size",
	models.ConditionFreeCollateral:      "Free Collateral",

	models.ConditionPositionPnlPercent:    "Position PnL %",
	models.ConditionPositionPnlUSD:        "Position PnL",
	models.ConditionPositionSizeUSD:       "Position Size",
	models.ConditionPositionSizeContracts: "Position Size (Contracts)",
	models.ConditionPositionLiqDistance:   "Position Liquidation Distance",
	models.ConditionPositionLeverage:      "Position Leverage",
	models.ConditionPositionEntryPrice:    "Entry Price",
	models.ConditionPositionOraclePrice:   "Oracle Price",
}

var conditionUnits = map[models.ConditionType]string{
	models.ConditionLiquidationDistance: "%",
	models.ConditionMarginRatio:         "x",
	models.ConditionEquityDrop:          "$",
	models.ConditionPositionSize:        "$",
	models.ConditionFreeCollateral:      "$",

	models.ConditionPositionPnlPercent:    "%",
	models.ConditionPositionPnlUSD:        "$",
	models.ConditionPositionSizeUSD:       "$",
	models.ConditionPositionSizeContracts: "contracts",
	models.ConditionPositionLiqDistance:   "%",
	models.ConditionPositionLeverage:      "x",
	models.ConditionPositionEntryPrice:    "$",
	models.ConditionPositionOraclePrice:   "$",
}

var comparisonPast = map[models.Comparison]string{
	models.CompareLT: "was less than",
	models.CompareLE: "was less than or equal to",
	models.CompareGT: "was greater than",
	models.CompareGE: "was greater than or equal to",
	models.CompareEQ: "was equal to",
}

var comparisonPresent = map[models.Comparison]string{
	models.CompareLT: "is less than",
	models.CompareLE: "is less than or equal to",
	models.CompareGT: "is greater than",
	models.CompareGE: "is greater than or equal to",
	models.CompareEQ: "equals",
}

func conditionLabel(c models.ConditionType) string {
	if l, ok := conditionLabels[c]; ok {
		return l
	}
	return string(c)
}

func formatValue(v decimal.Decimal, unit string) string {
	f, _ := v.Float64()
	switch unit {
	case "$":
		return fmt.Sprintf("$%s", humanize(f, 2))
	case "%":
		return fmt.Sprintf("%.2f%%", f)
	case "x":
		return fmt.Sprintf("%.2fx", f)
	case "contracts":
		return fmt.Sprintf("%s contracts", humanize(f, 4))
	default:
		return humanize(f, 2)
	}
}

// humanize renders a float with thousands separators, the way the alert
// texts show dollar amounts.
func humanize(v float64, places int) string {
	s := fmt.Sprintf("%.*f", places, v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// describeEvaluation builds the one-line alert description, e.g.
// "High Leverage Alert triggered because Margin Ratio (1.23x) was less than 1.50x".
func describeEvaluation(rule *models.AlertRule, actual decimal.Decimal) string {
	label := conditionLabel(rule.ConditionType)
	unit := conditionUnits[rule.ConditionType]
	actualStr := formatValue(actual, unit)
	thresholdStr := formatValue(decimal.NewFromFloat(rule.ThresholdValue), unit)
	cmp := comparisonPast[rule.Comparison]

	if rule.Scope == models.ScopePosition && rule.PositionMarket != nil {
		return fmt.Sprintf("%s triggered because %s position's %s (%s) %s %s",
			rule.Name, *rule.PositionMarket, label, actualStr, cmp, thresholdStr)
	}
	return fmt.Sprintf("%s triggered because %s (%s) %s %s",
		rule.Name, label, actualStr, cmp, thresholdStr)
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// FormatMessage renders the full alert body sent to notification channels.
// HTML tags follow the Telegram HTML parse mode; other transports render
// them as-is or strip them. A custom message on the rule replaces the whole
// body.
func FormatMessage(rule *models.AlertRule, sub *models.Subaccount, metrics *risk.RiskMetrics, actual decimal.Decimal, dashboardURL string) string {
	if rule.CustomMessage != nil && *rule.CustomMessage != "" {
		return *rule.CustomMessage
	}
	if rule.Scope == models.ScopePosition && rule.PositionMarket != nil {
		return formatPositionMessage(rule, sub, metrics, actual, dashboardURL)
	}
	return formatAccountMessage(rule, sub, metrics, actual, dashboardURL)
}

func formatAccountMessage(rule *models.AlertRule, sub *models.Subaccount, metrics *risk.RiskMetrics, actual decimal.Decimal, dashboardURL string) string {
	label := conditionLabel(rule.ConditionType)
	unit := conditionUnits[rule.ConditionType]
	actualStr := formatValue(actual, unit)
	thresholdStr := formatValue(decimal.NewFromFloat(rule.ThresholdValue), unit)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s Alert)\n\n", severityEmoji(rule.Severity), strings.ToUpper(rule.Name), label)
	fmt.Fprintf(&b, "Account: %s (%s)\n\n", nickname(sub), fullAddress(sub))
	fmt.Fprintf(&b, "<i>This alert triggered because your %s (%s) %s your threshold (%s).</i>\n\n",
		label, actualStr, comparisonPresent[rule.Comparison], thresholdStr)
	b.WriteString("<b>Current Metrics:</b>\n")
	fmt.Fprintf(&b, "• %s: %s\n", label, actualStr)
	fmt.Fprintf(&b, "• Threshold: %s %s\n", rule.Comparison, thresholdStr)
	fmt.Fprintf(&b, "• Equity: %s\n", formatValue(metrics.Equity, "$"))
	if metrics.MarginRatio != nil {
		fmt.Fprintf(&b, "• Margin Ratio: %s\n", formatValue(*metrics.MarginRatio, "x"))
	}
	if metrics.LiquidationDistancePercent != nil {
		fmt.Fprintf(&b, "• Liquidation Distance: %s\n", formatValue(*metrics.LiquidationDistancePercent, "%"))
	}
	appendDashboardLink(&b, dashboardURL)
	return b.String()
}

func formatPositionMessage(rule *models.AlertRule, sub *models.Subaccount, metrics *risk.RiskMetrics, actual decimal.Decimal, dashboardURL string) string {
	market := *rule.PositionMarket
	label := conditionLabel(rule.ConditionType)
	unit := conditionUnits[rule.ConditionType]
	actualStr := formatValue(actual, unit)
	thresholdStr := formatValue(decimal.NewFromFloat(rule.ThresholdValue), unit)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s Alert)\n\n", severityEmoji(rule.Severity), strings.ToUpper(rule.Name), market)
	fmt.Fprintf(&b, "Account: %s (%s)\n", nickname(sub), fullAddress(sub))
	fmt.Fprintf(&b, "Position: %s\n\n", market)
	fmt.Fprintf(&b, "<i>This alert triggered because your %s position's %s (%s) %s your threshold (%s).</i>\n\n",
		market, label, actualStr, comparisonPresent[rule.Comparison], thresholdStr)

	b.WriteString("<b>Position Metrics:</b>\n")
	fmt.Fprintf(&b, "• %s: %s\n", label, actualStr)
	fmt.Fprintf(&b, "• Threshold: %s %s\n", rule.Comparison, thresholdStr)
	if pm, ok := metrics.Positions[market]; ok {
		if pm.Notional != nil {
			fmt.Fprintf(&b, "• Size: %s\n", formatValue(*pm.Notional, "$"))
		}
		if pm.UnrealizedPnl != nil {
			line := "• PnL: " + formatValue(*pm.UnrealizedPnl, "$")
			if pm.UnrealizedPnlPercent != nil {
				line += fmt.Sprintf(" (%s)", formatValue(*pm.UnrealizedPnlPercent, "%"))
			}
			b.WriteString(line + "\n")
		}
		if pm.Leverage != nil {
			fmt.Fprintf(&b, "• Leverage: %s\n", formatValue(*pm.Leverage, "x"))
		}
		fmt.Fprintf(&b, "• Margin Mode: %s\n", pm.MarginMode)
		if lp := pm.LiquidationPrice(); lp != nil {
			fmt.Fprintf(&b, "• Liquidation Price: %s\n", formatValue(*lp, "$"))
		} else {
			b.WriteString("• Liquidation Price: —\n")
		}
		if pm.EntryPrice != nil {
			fmt.Fprintf(&b, "• Entry Price: %s\n", formatValue(*pm.EntryPrice, "$"))
		}
		if pm.OraclePrice != nil {
			fmt.Fprintf(&b, "• Oracle Price: %s\n", formatValue(*pm.OraclePrice, "$"))
		}
	}

	b.WriteString("\n<b>Account Metrics:</b>\n")
	fmt.Fprintf(&b, "• Equity: %s\n", formatValue(metrics.Equity, "$"))
	if metrics.MarginRatio != nil {
		fmt.Fprintf(&b, "• Margin Ratio: %s\n", formatValue(*metrics.MarginRatio, "x"))
	}
	if metrics.LiquidationDistancePercent != nil {
		fmt.Fprintf(&b, "• Liquidation Distance: %s\n", formatValue(*metrics.LiquidationDistancePercent, "%"))
	}
	appendDashboardLink(&b, dashboardURL)
	return b.String()
}

func appendDashboardLink(b *strings.Builder, dashboardURL string) {
	if dashboardURL != "" {
		fmt.Fprintf(b, "\n<a href='%s'>View Dashboard →</a>", dashboardURL)
	}
}

func nickname(sub *models.Subaccount) string {
	if sub.Nickname != "" {
		return sub.Nickname
	}
	return "Subaccount"
}

func fullAddress(sub *models.Subaccount) string {
	return fmt.Sprintf("%s#%d", sub.Address, sub.SubaccountNumber)
}

// GenerateRuleDescription is the auto-generated rule description stored at
// create time, e.g. "Alert when Margin Ratio drops below 1.50x".
func GenerateRuleDescription(rule *models.AlertRule) string {
	label := conditionLabel(rule.ConditionType)
	unit := conditionUnits[rule.ConditionType]
	thresholdStr := formatValue(decimal.NewFromFloat(rule.ThresholdValue), unit)
	if rule.Scope == models.ScopePosition && rule.PositionMarket != nil {
		return fmt.Sprintf("Alert when %s %s %s %s", *rule.PositionMarket, label, rule.Comparison.Human(), thresholdStr)
	}
	return fmt.Sprintf("Alert when %s %s %s", label, rule.Comparison.Human(), thresholdStr)
}
