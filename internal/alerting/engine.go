package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/internal/notify"
	"github.com/perpwatch/perpwatch/internal/risk"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/metrics"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// AccountUpdate is one normalized event from the feed: the subaccount it
// concerns and the fresh snapshot to evaluate.
type AccountUpdate struct {
	Subaccount *models.Subaccount
	Snapshot   risk.AccountSnapshot
	Markets    map[string]risk.MarketInfo
}

// RuleSource is the slice of the rule store the engine needs. MarkFired must
// be atomic: it fails with a Conflict error when the rule is already
// archived, which the engine treats as a lost race and silently drops.
type RuleSource interface {
	ActiveForSubaccount(ctx context.Context, userID, subaccountID uuid.UUID) ([]*models.AlertRule, error)
	MarkFired(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AlertSink persists fired alerts.
type AlertSink interface {
	Create(ctx context.Context, alert *models.Alert) error
	SetChannelsSent(ctx context.Context, id uuid.UUID, sent models.StringList) error
}

// ChannelSource resolves notification channels and records delivery health.
type ChannelSource interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.NotificationChannel, error)
	ListEnabledForUser(ctx context.Context, userID uuid.UUID) ([]*models.NotificationChannel, error)
	RecordDeliveryError(ctx context.Context, id uuid.UUID, message string) error
}

// AlertDispatcher fans a notification out to channels.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification, channels []*models.NotificationChannel) []notify.Delivery
}

// Publisher emits fired alerts to the event bus. Optional.
type Publisher interface {
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// Broadcaster pushes fired alerts to connected UI clients. Optional.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// EngineParams wires an Engine.
type EngineParams struct {
	Logger      *zap.Logger
	Rules       RuleSource
	Alerts      AlertSink
	Channels    ChannelSource
	Dispatcher  AlertDispatcher
	Publisher   Publisher
	Broadcaster Broadcaster

	DashboardURL    string
	QueueSize       int
	BuiltinCooldown time.Duration

	// CriticalDistancePct is the liquidation distance below which a builtin
	// warning escalates to critical severity.
	CriticalDistancePct float64
}

// Engine runs rule evaluation. Updates for the same subaccount are processed
// serially by a dedicated worker, preserving event order; distinct
// subaccounts run in parallel. All rule state transitions go through the
// store's atomic MarkFired, never read-modify-write.
type Engine struct {
	logger      *zap.Logger
	calc        *risk.Calculator
	rules       RuleSource
	alerts      AlertSink
	channels    ChannelSource
	dispatcher  AlertDispatcher
	publisher   Publisher
	broadcaster Broadcaster

	dashboardURL     string
	queueSize        int
	builtinCooldown  time.Duration
	criticalDistance decimal.Decimal

	mu      sync.Mutex
	workers map[uuid.UUID]chan AccountUpdate
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	builtinMu   sync.Mutex
	builtinLast map[string]time.Time

	now func() time.Time
}

func NewEngine(p EngineParams) *Engine {
	if p.QueueSize <= 0 {
		p.QueueSize = 256
	}
	if p.BuiltinCooldown <= 0 {
		p.BuiltinCooldown = 5 * time.Minute
	}
	if p.CriticalDistancePct <= 0 {
		p.CriticalDistancePct = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:           p.Logger,
		calc:             risk.NewCalculator(),
		rules:            p.Rules,
		alerts:           p.Alerts,
		channels:         p.Channels,
		dispatcher:       p.Dispatcher,
		publisher:        p.Publisher,
		broadcaster:      p.Broadcaster,
		dashboardURL:     p.DashboardURL,
		queueSize:        p.QueueSize,
		builtinCooldown:  p.BuiltinCooldown,
		criticalDistance: decimal.NewFromFloat(p.CriticalDistancePct),
		workers:          make(map[uuid.UUID]chan AccountUpdate),
		ctx:              ctx,
		cancel:           cancel,
		builtinLast:      make(map[string]time.Time),
		now:              time.Now,
	}
}

// Submit routes an update to the subaccount's worker, starting one on first
// contact. A full queue drops the update: the next snapshot supersedes it.
func (e *Engine) Submit(update AccountUpdate) {
	if update.Subaccount == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	ch, ok := e.workers[update.Subaccount.ID]
	if !ok {
		ch = make(chan AccountUpdate, e.queueSize)
		e.workers[update.Subaccount.ID] = ch
		e.wg.Add(1)
		go e.runWorker(update.Subaccount.ID, ch)
	}

	// Stop closes worker channels under the same lock, so the non-blocking
	// send must stay inside it.
	select {
	case ch <- update:
	default:
		e.logger.Warn("engine queue full, dropping update",
			zap.String("subaccount_id", update.Subaccount.ID.String()))
	}
}

// Stop drains the workers and waits for in-flight evaluations.
func (e *Engine) Stop() {
	e.cancel()
	e.mu.Lock()
	for _, ch := range e.workers {
		close(ch)
	}
	e.workers = make(map[uuid.UUID]chan AccountUpdate)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) runWorker(subaccountID uuid.UUID, ch chan AccountUpdate) {
	defer e.wg.Done()
	for update := range ch {
		e.Process(e.ctx, update)
	}
}

// Process runs one update through the full pipeline. Exposed so tests and
// synchronous callers can bypass the worker queue.
func (e *Engine) Process(ctx context.Context, update AccountUpdate) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	riskMetrics := e.calc.Compute(update.Snapshot, update.Markets)

	e.evaluateBuiltin(ctx, update.Subaccount, riskMetrics)
	e.evaluateRules(ctx, update.Subaccount, riskMetrics)
}

func (e *Engine) evaluateRules(ctx context.Context, sub *models.Subaccount, m *risk.RiskMetrics) {
	rules, err := e.rules.ActiveForSubaccount(ctx, sub.UserID, sub.ID)
	if err != nil {
		e.logger.Error("failed to load rules", zap.String("subaccount_id", sub.ID.String()), zap.Error(err))
		return
	}

	now := e.now()
	for _, rule := range rules {
		if rule.Archived || !rule.Enabled || !rule.AppliesTo(sub.ID) {
			continue
		}

		ev := Evaluate(rule, m)
		switch {
		case ev.Value == nil:
			metrics.RulesEvaluated.WithLabelValues("missing_data").Inc()
		case ev.Satisfied:
			metrics.RulesEvaluated.WithLabelValues("satisfied").Inc()
		default:
			metrics.RulesEvaluated.WithLabelValues("not_satisfied").Inc()
		}
		if !ev.Satisfied {
			continue
		}

		if rule.InCooldown(now) {
			e.logger.Debug("rule in cooldown, suppressing fire",
				zap.String("rule_id", rule.ID.String()),
				zap.String("rule_name", rule.Name))
			continue
		}

		// Atomic fire-and-archive. A conflict means another worker won the
		// race; the losing attempt must not deliver anything.
		if err := e.rules.MarkFired(ctx, rule.ID, now); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			e.logger.Error("failed to archive fired rule",
				zap.String("rule_id", rule.ID.String()), zap.Error(err))
			continue
		}
		rule.Archived = true
		rule.LastFiredAt = &now

		e.fireRuleAlert(ctx, rule, sub, m, ev, now)
	}
}

func (e *Engine) fireRuleAlert(ctx context.Context, rule *models.AlertRule, sub *models.Subaccount, m *risk.RiskMetrics, ev Evaluation, now time.Time) {
	message := FormatMessage(rule, sub, m, *ev.Value, e.dashboardURL)
	description := ev.Description
	actual, _ := ev.Value.Float64()

	metadata := metricsMetadata(m, positionFilter(rule))
	metadata["rule_id"] = rule.ID.String()
	metadata["rule_name"] = rule.Name
	metadata["condition_type"] = string(rule.ConditionType)
	metadata["threshold_value"] = rule.ThresholdValue
	metadata["actual_value"] = actual
	metadata["comparison"] = string(rule.Comparison)
	metadata["scope"] = string(rule.Scope)
	if rule.Scope == models.ScopePosition && rule.PositionMarket != nil {
		metadata["position_market"] = *rule.PositionMarket
	}

	alert := &models.Alert{
		ID:           uuid.New(),
		SubaccountID: sub.ID,
		AlertType:    models.RuleAlertType(rule.ConditionType),
		Severity:     rule.Severity,
		Message:      message,
		Description:  &description,
		Metadata:     metadata,
		CreatedAt:    now,
	}

	condition := conditionLabel(rule.ConditionType)
	n := notify.Notification{
		AlertID:     alert.ID,
		AlertType:   alert.AlertType,
		Severity:    alert.Severity,
		Message:     message,
		Description: description,
		Subaccount:  fullAddress(sub),
		Market:      rule.PositionMarket,
		Condition:   &condition,
		Timestamp:   now,
	}

	e.logger.Info("alert rule fired",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule_name", rule.Name),
		zap.String("subaccount_id", sub.ID.String()),
		zap.String("condition_type", string(rule.ConditionType)),
		zap.Float64("actual_value", actual),
		zap.Float64("threshold_value", rule.ThresholdValue))

	channels, err := e.channels.GetByIDs(ctx, rule.ChannelIDs)
	if err != nil {
		e.logger.Error("failed to resolve channels for rule",
			zap.String("rule_id", rule.ID.String()), zap.Error(err))
		channels = nil
	}

	e.deliver(ctx, alert, n, channels)
}

// deliver persists the alert, dispatches it and records the per-channel
// outcomes. Dispatch failures never undo the fire: the alert stays persisted
// and the rule stays archived.
func (e *Engine) deliver(ctx context.Context, alert *models.Alert, n notify.Notification, channels []*models.NotificationChannel) {
	if err := e.alerts.Create(ctx, alert); err != nil {
		e.logger.Error("failed to persist alert", zap.String("alert_id", alert.ID.String()), zap.Error(err))
	}
	metrics.AlertsFired.WithLabelValues(alert.AlertType, string(alert.Severity)).Inc()

	if len(channels) > 0 {
		deliveries := e.dispatcher.Dispatch(ctx, n, channels)

		sent := make(models.StringList, 0, len(deliveries))
		for _, d := range deliveries {
			if d.OK {
				sent = append(sent, string(d.ChannelType))
				continue
			}
			if d.Err != nil {
				if err := e.channels.RecordDeliveryError(ctx, d.ChannelID, d.Err.Error()); err != nil {
					e.logger.Warn("failed to record channel error",
						zap.String("channel_id", d.ChannelID.String()), zap.Error(err))
				}
			}
		}
		alert.ChannelsSent = sent
		if err := e.alerts.SetChannelsSent(ctx, alert.ID, sent); err != nil {
			e.logger.Warn("failed to record channels sent",
				zap.String("alert_id", alert.ID.String()), zap.Error(err))
		}
	}

	if e.publisher != nil {
		if err := e.publisher.PublishAlert(ctx, alert); err != nil {
			e.logger.Warn("failed to publish alert event",
				zap.String("alert_id", alert.ID.String()), zap.Error(err))
		}
	}
	if e.broadcaster != nil {
		e.broadcaster.Broadcast("alerts", alert)
		e.broadcaster.Broadcast(alert.SubaccountID.String(), alert)
	}
}

// evaluateBuiltin runs the subaccount's simple liquidation-threshold
// monitor, independent of user rules. These alerts repeat on an in-memory
// cooldown instead of archiving.
func (e *Engine) evaluateBuiltin(ctx context.Context, sub *models.Subaccount, m *risk.RiskMetrics) {
	if m.LiquidationDistancePercent == nil {
		return
	}
	distance := *m.LiquidationDistancePercent
	threshold := decimal.NewFromFloat(sub.LiquidationThresholdPercent)

	var (
		alertType string
		severity  models.Severity
		message   string
	)
	switch {
	case distance.Sign() <= 0:
		alertType = models.AlertTypeLiquidation
		severity = models.SeverityCritical
		message = formatLiquidationAlert(sub)
	case distance.LessThanOrEqual(threshold):
		alertType = models.AlertTypeLiquidationWarning
		severity = models.SeverityWarning
		if distance.LessThanOrEqual(e.criticalDistance) {
			severity = models.SeverityCritical
		}
		message = formatLiquidationWarning(sub, m)
	default:
		return
	}

	if !e.shouldFireBuiltin(sub.ID, alertType) {
		return
	}

	now := e.now()
	alert := &models.Alert{
		ID:           uuid.New(),
		SubaccountID: sub.ID,
		AlertType:    alertType,
		Severity:     severity,
		Message:      message,
		Metadata:     metricsMetadata(m, nil),
		CreatedAt:    now,
	}

	channels, err := e.channels.ListEnabledForUser(ctx, sub.UserID)
	if err != nil {
		e.logger.Error("failed to list user channels",
			zap.String("user_id", sub.UserID.String()), zap.Error(err))
		channels = nil
	}

	e.deliver(ctx, alert, notify.Notification{
		AlertID:    alert.ID,
		AlertType:  alertType,
		Severity:   severity,
		Message:    message,
		Subaccount: fullAddress(sub),
		Timestamp:  now,
	}, channels)
}

func (e *Engine) shouldFireBuiltin(subaccountID uuid.UUID, alertType string) bool {
	key := subaccountID.String() + "_" + alertType
	now := e.now()

	e.builtinMu.Lock()
	defer e.builtinMu.Unlock()
	if last, ok := e.builtinLast[key]; ok && now.Sub(last) < e.builtinCooldown {
		return false
	}
	e.builtinLast[key] = now
	return true
}

func formatLiquidationWarning(sub *models.Subaccount, m *risk.RiskMetrics) string {
	distance := decimal.Zero
	if m.LiquidationDistancePercent != nil {
		distance = *m.LiquidationDistancePercent
	}
	return fmt.Sprintf(
		"⚠️ LIQUIDATION WARNING\n\n"+
			"Account: %s (%s)\n"+
			"Distance from liquidation: %s\n"+
			"Equity: %s\n"+
			"Maintenance Requirement: %s\n\n"+
			"Action recommended: Add collateral or reduce position size.",
		nickname(sub), shortAddress(sub.Address),
		formatValue(distance, "%"),
		formatValue(m.Equity, "$"),
		formatValue(m.MaintenanceRequirement, "$"))
}

func formatLiquidationAlert(sub *models.Subaccount) string {
	return fmt.Sprintf(
		"🔴 LIQUIDATION ALERT\n\n"+
			"Account: %s (%s)\n"+
			"Your position has been liquidated.\n\n"+
			"Please review your account on the exchange.",
		nickname(sub), shortAddress(sub.Address))
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// positionFilter returns the market a position-scope rule watches, so alert
// metadata only carries the relevant position.
func positionFilter(rule *models.AlertRule) *string {
	if rule.Scope == models.ScopePosition {
		return rule.PositionMarket
	}
	return nil
}

// metricsMetadata flattens the risk snapshot into alert metadata. When
// market is set, only that position is included.
func metricsMetadata(m *risk.RiskMetrics, market *string) models.JSONMap {
	snapshot := *m
	if market != nil {
		filtered := make(map[string]*risk.PositionMetrics, 1)
		if pm, ok := m.Positions[*market]; ok {
			filtered[*market] = pm
		}
		snapshot.Positions = filtered
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return models.JSONMap{}
	}
	meta := models.JSONMap{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return models.JSONMap{}
	}
	return models.JSONMap{"metrics": map[string]any(meta)}
}
