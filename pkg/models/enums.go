package models

// Scope says whether a rule reads account-level or per-position metrics.
type Scope string

const (
	ScopeAccount  Scope = "account"
	ScopePosition Scope = "position"
)

func (s Scope) Valid() bool {
	return s == ScopeAccount || s == ScopePosition
}

// ConditionType is the closed set of metrics a rule can watch.
type ConditionType string

const (
	// Account-level conditions.
	ConditionLiquidationDistance ConditionType = "liquidation_distance"
	ConditionMarginRatio         ConditionType = "margin_ratio"
	ConditionEquityDrop          ConditionType = "equity_drop"
	ConditionPositionSize        ConditionType = "position_size"
	ConditionFreeCollateral      ConditionType = "free_collateral"

	// Position-level conditions.
	ConditionPositionPnlPercent     ConditionType = "position_pnl_percent"
	ConditionPositionPnlUSD         ConditionType = "position_pnl_usd"
	ConditionPositionSizeUSD        ConditionType = "position_size_usd"
	ConditionPositionSizeContracts  ConditionType = "position_size_contracts"
	ConditionPositionLiqDistance    ConditionType = "position_liquidation_distance"
	ConditionPositionLeverage       ConditionType = "position_leverage"
	ConditionPositionEntryPrice     ConditionType = "position_entry_price"
	ConditionPositionOraclePrice    ConditionType = "position_oracle_price"
)

var conditionScopes = map[ConditionType]Scope{
	ConditionLiquidationDistance: ScopeAccount,
	ConditionMarginRatio:         ScopeAccount,
	ConditionEquityDrop:          ScopeAccount,
	ConditionPositionSize:        ScopeAccount,
	ConditionFreeCollateral:      ScopeAccount,

	ConditionPositionPnlPercent:    ScopePosition,
	ConditionPositionPnlUSD:        ScopePosition,
	ConditionPositionSizeUSD:       ScopePosition,
	ConditionPositionSizeContracts: ScopePosition,
	ConditionPositionLiqDistance:   ScopePosition,
	ConditionPositionLeverage:      ScopePosition,
	ConditionPositionEntryPrice:    ScopePosition,
	ConditionPositionOraclePrice:   ScopePosition,
}

func (c ConditionType) Valid() bool {
	_, ok := conditionScopes[c]
	return ok
}

// Scope returns the scope the condition belongs to. Unknown conditions
// report ScopeAccount; callers must check Valid first.
func (c ConditionType) Scope() Scope {
	if s, ok := conditionScopes[c]; ok {
		return s
	}
	return ScopeAccount
}

// Comparison is the operator applied between actual value and threshold.
type Comparison string

const (
	CompareLT Comparison = "<"
	CompareLE Comparison = "<="
	CompareGT Comparison = ">"
	CompareGE Comparison = ">="
	CompareEQ Comparison = "=="
)

func (c Comparison) Valid() bool {
	switch c {
	case CompareLT, CompareLE, CompareGT, CompareGE, CompareEQ:
		return true
	}
	return false
}

// Human returns the phrase used in generated rule descriptions.
func (c Comparison) Human() string {
	switch c {
	case CompareLT:
		return "drops below"
	case CompareLE:
		return "drops to or below"
	case CompareGT:
		return "rises above"
	case CompareGE:
		return "rises to or above"
	case CompareEQ:
		return "equals"
	}
	return string(c)
}

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelTelegram  ChannelType = "telegram"
	ChannelDiscord   ChannelType = "discord"
	ChannelSlack     ChannelType = "slack"
	ChannelPagerDuty ChannelType = "pagerduty"
	ChannelEmail     ChannelType = "email"
	ChannelWebhook   ChannelType = "webhook"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelDiscord, ChannelSlack, ChannelPagerDuty, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// Built-in alert types emitted by the threshold monitor, independent of
// user rules. Rule-driven alerts use RuleAlertType.
const (
	AlertTypeLiquidationWarning = "liquidation_warning"
	AlertTypeLiquidation        = "liquidation"
	AlertTypeADLWarning         = "adl_warning"
	AlertTypeADL                = "adl"
)

// RuleAlertType is the alert type recorded when a user rule fires.
func RuleAlertType(c ConditionType) string {
	return "rule_" + string(c)
}

// Per-user limits and cooldown bounds.
const (
	MaxActiveRulesPerUser = 25
	MaxChannelsPerUser    = 10

	CooldownMinSeconds     = 60
	CooldownMaxSeconds     = 86400
	CooldownDefaultSeconds = 3600
)
