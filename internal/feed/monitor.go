package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/internal/alerting"
	"github.com/perpwatch/perpwatch/internal/config"
	"github.com/perpwatch/perpwatch/internal/risk"
	"github.com/perpwatch/perpwatch/pkg/metrics"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// SubaccountSource lists the subaccounts the monitor should watch.
type SubaccountSource interface {
	ListActive(ctx context.Context) ([]*models.Subaccount, error)
}

// Submitter accepts normalized updates for evaluation.
type Submitter interface {
	Submit(update alerting.AccountUpdate)
}

// StatusWriter caches the latest computed snapshot per subaccount. Optional.
type StatusWriter interface {
	SetStatus(ctx context.Context, subaccountID uuid.UUID, status any)
	DeleteStatus(ctx context.Context, subaccountID uuid.UUID)
}

// Broadcaster pushes position updates to connected UI clients. Optional.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// StatusSnapshot is what the monitor caches and broadcasts per update.
type StatusSnapshot struct {
	SubaccountID     string            `json:"subaccount_id"`
	Address          string            `json:"address"`
	SubaccountNumber int               `json:"subaccount_number"`
	Nickname         string            `json:"nickname,omitempty"`
	Metrics          *risk.RiskMetrics `json:"metrics"`
	Status           string            `json:"status"`
	ReceivedAt       time.Time         `json:"received_at"`
}

// MonitorParams wires a Monitor.
type MonitorParams struct {
	Logger      *zap.Logger
	Indexer     config.IndexerConfig
	Subaccounts SubaccountSource
	Engine      Submitter
	Status      StatusWriter
	Broadcaster Broadcaster
}

// Monitor owns the indexer connection. It keeps the market table fresh,
// routes subaccount updates to the engine and re-evaluates every cached
// snapshot when oracle prices move. Position sizes only change on trades, so
// a market tick plus a cached snapshot is enough for fresh metrics.
type Monitor struct {
	logger      *zap.Logger
	rest        *RESTClient
	client      *Client
	subs        SubaccountSource
	engine      Submitter
	status      StatusWriter
	broadcaster Broadcaster
	calc        *risk.Calculator

	mu        sync.RWMutex
	markets   map[string]risk.MarketInfo
	monitored map[string]*models.Subaccount
	snapshots map[uuid.UUID]risk.AccountSnapshot
}

func NewMonitor(p MonitorParams) *Monitor {
	m := &Monitor{
		logger:      p.Logger.Named("monitor"),
		rest:        NewRESTClient(p.Indexer.RESTURL),
		subs:        p.Subaccounts,
		engine:      p.Engine,
		status:      p.Status,
		broadcaster: p.Broadcaster,
		calc:        risk.NewCalculator(),
		markets:     make(map[string]risk.MarketInfo),
		monitored:   make(map[string]*models.Subaccount),
		snapshots:   make(map[uuid.UUID]risk.AccountSnapshot),
	}
	m.client = NewClient(p.Indexer, m.handleMessage, p.Logger)
	return m
}

// Start bootstraps state over REST, subscribes the websocket channels and
// runs the connection loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if markets, err := m.rest.GetMarkets(ctx); err != nil {
		m.logger.Warn("failed to bootstrap markets, waiting for websocket data", zap.Error(err))
	} else {
		m.applyMarkets(markets)
	}

	active, err := m.subs.ListActive(ctx)
	if err != nil {
		return err
	}
	if err := m.client.SubscribeMarkets(); err != nil {
		m.logger.Warn("failed to subscribe markets channel", zap.Error(err))
	}
	for _, sub := range active {
		m.watch(ctx, sub)
	}
	m.logger.Info("monitoring subaccounts", zap.Int("count", len(active)))

	go m.client.Run(ctx)
	return nil
}

// AddSubaccount starts watching a newly registered subaccount and fetches
// its initial snapshot so the status API has data immediately.
func (m *Monitor) AddSubaccount(ctx context.Context, sub *models.Subaccount) {
	m.watch(ctx, sub)
}

// RemoveSubaccount stops watching and drops the cached state.
func (m *Monitor) RemoveSubaccount(ctx context.Context, sub *models.Subaccount) {
	key := SubscriptionID(sub.Address, sub.SubaccountNumber)

	m.mu.Lock()
	delete(m.monitored, key)
	delete(m.snapshots, sub.ID)
	m.mu.Unlock()

	if err := m.client.UnsubscribeSubaccount(sub.Address, sub.SubaccountNumber); err != nil {
		m.logger.Warn("failed to unsubscribe subaccount",
			zap.String("subaccount_id", sub.ID.String()), zap.Error(err))
	}
	if m.status != nil {
		m.status.DeleteStatus(ctx, sub.ID)
	}
}

func (m *Monitor) watch(ctx context.Context, sub *models.Subaccount) {
	key := SubscriptionID(sub.Address, sub.SubaccountNumber)
	m.mu.Lock()
	m.monitored[key] = sub
	m.mu.Unlock()

	if update, err := m.rest.GetSubaccount(ctx, sub.Address, sub.SubaccountNumber); err != nil {
		m.logger.Warn("failed to bootstrap subaccount",
			zap.String("subaccount_id", sub.ID.String()), zap.Error(err))
	} else {
		m.applySnapshot(ctx, sub, update.Snapshot)
	}

	if err := m.client.SubscribeSubaccount(sub.Address, sub.SubaccountNumber); err != nil {
		m.logger.Warn("failed to subscribe subaccount",
			zap.String("subaccount_id", sub.ID.String()), zap.Error(err))
	}
}

func (m *Monitor) handleMessage(msg *Message) {
	ctx := context.Background()

	if markets, ok := ParseMarketsUpdate(msg); ok {
		metrics.FeedEventsProcessed.WithLabelValues("markets").Inc()
		m.applyMarkets(markets)
		m.resubmitAll(ctx)
		return
	}

	if update, ok := ParseSubaccountUpdate(msg); ok {
		metrics.FeedEventsProcessed.WithLabelValues("subaccount").Inc()
		m.mu.RLock()
		sub := m.monitored[SubscriptionID(update.Address, update.Number)]
		m.mu.RUnlock()
		if sub == nil {
			return
		}
		m.applySnapshot(ctx, sub, update.Snapshot)
		return
	}

	if msg.Type == "error" {
		m.logger.Warn("indexer reported error", zap.String("message", string(msg.Contents)))
	}
}

// applyMarkets merges partial updates into the market table, keeping known
// field values that the update does not carry.
func (m *Monitor) applyMarkets(updates map[string]risk.MarketInfo) {
	m.mu.Lock()
	for ticker, info := range updates {
		m.markets[ticker] = mergeMarket(m.markets[ticker], info)
	}
	m.mu.Unlock()
}

// applySnapshot caches the snapshot, hands it to the engine and refreshes
// the externally visible status.
func (m *Monitor) applySnapshot(ctx context.Context, sub *models.Subaccount, snap risk.AccountSnapshot) {
	m.mu.Lock()
	m.snapshots[sub.ID] = snap
	markets := m.marketsCopyLocked()
	m.mu.Unlock()

	m.engine.Submit(alerting.AccountUpdate{
		Subaccount: sub,
		Snapshot:   snap,
		Markets:    markets,
	})
	m.publishStatus(ctx, sub, snap, markets)
}

// resubmitAll re-evaluates every watched subaccount against fresh prices
// using its cached position data.
func (m *Monitor) resubmitAll(ctx context.Context) {
	m.mu.RLock()
	markets := m.marketsCopyLocked()
	pending := make([]*models.Subaccount, 0, len(m.monitored))
	snaps := make([]risk.AccountSnapshot, 0, len(m.monitored))
	for _, sub := range m.monitored {
		snap, ok := m.snapshots[sub.ID]
		if !ok {
			continue
		}
		pending = append(pending, sub)
		snaps = append(snaps, snap)
	}
	m.mu.RUnlock()

	for i, sub := range pending {
		m.engine.Submit(alerting.AccountUpdate{
			Subaccount: sub,
			Snapshot:   snaps[i],
			Markets:    markets,
		})
		m.publishStatus(ctx, sub, snaps[i], markets)
	}
}

func (m *Monitor) publishStatus(ctx context.Context, sub *models.Subaccount, snap risk.AccountSnapshot, markets map[string]risk.MarketInfo) {
	if m.status == nil && m.broadcaster == nil {
		return
	}

	riskMetrics := m.calc.Compute(snap, markets)
	status := &StatusSnapshot{
		SubaccountID:     sub.ID.String(),
		Address:          sub.Address,
		SubaccountNumber: sub.SubaccountNumber,
		Nickname:         sub.Nickname,
		Metrics:          riskMetrics,
		Status:           riskMetrics.Status(sub.LiquidationThresholdPercent),
		ReceivedAt:       time.Now(),
	}

	if m.status != nil {
		m.status.SetStatus(ctx, sub.ID, status)
	}
	if m.broadcaster != nil {
		m.broadcaster.Broadcast("positions", status)
		m.broadcaster.Broadcast(sub.ID.String(), status)
	}
}

// marketsCopyLocked snapshots the market table; callers hold at least a read
// lock.
func (m *Monitor) marketsCopyLocked() map[string]risk.MarketInfo {
	out := make(map[string]risk.MarketInfo, len(m.markets))
	for ticker, info := range m.markets {
		out[ticker] = info
	}
	return out
}
