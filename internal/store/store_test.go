package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perpwatch/perpwatch/internal/database"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newStores(t *testing.T) (*SubaccountStore, *RuleStore, *AlertStore, *ChannelStore) {
	db := testDB(t)
	logger := zap.NewNop()
	rules := NewRuleStore(db, logger)
	return NewSubaccountStore(db, logger), rules, NewAlertStore(db, logger), NewChannelStore(db, rules, logger)
}

func seedSubaccount(t *testing.T, subs *SubaccountStore, userID uuid.UUID) *models.Subaccount {
	t.Helper()
	sub := &models.Subaccount{
		UserID:                      userID,
		Address:                     "dydx1" + uuid.NewString()[:8],
		SubaccountNumber:            0,
		LiquidationThresholdPercent: 10,
		IsActive:                    true,
	}
	require.NoError(t, subs.Create(context.Background(), sub))
	return sub
}

func seedChannel(t *testing.T, channels *ChannelStore, userID uuid.UUID) *models.NotificationChannel {
	t.Helper()
	ch := &models.NotificationChannel{
		UserID:      userID,
		ChannelType: models.ChannelWebhook,
		Name:        "hook " + uuid.NewString()[:8],
		Enabled:     true,
		Config:      models.JSONMap{"url": "http://example.test/hook"},
	}
	require.NoError(t, channels.Create(context.Background(), ch))
	return ch
}

func validRule(userID uuid.UUID, channelID uuid.UUID) *models.AlertRule {
	return &models.AlertRule{
		UserID:          userID,
		Name:            "margin watch",
		Scope:           models.ScopeAccount,
		ConditionType:   models.ConditionMarginRatio,
		Comparison:      models.CompareLE,
		ThresholdValue:  2.0,
		Severity:        models.SeverityWarning,
		ChannelIDs:      models.UUIDList{channelID},
		CooldownSeconds: 3600,
		Enabled:         true,
	}
}

func TestRuleCapEnforced(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	for i := 0; i < models.MaxActiveRulesPerUser; i++ {
		r := validRule(userID, ch.ID)
		r.Name = fmt.Sprintf("rule %d", i)
		require.NoError(t, rules.Create(ctx, r))
	}

	overflow := validRule(userID, ch.ID)
	err := rules.Create(ctx, overflow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCapacity))

	// Another user is unaffected by this user's cap.
	otherUser := uuid.New()
	otherCh := seedChannel(t, channels, otherUser)
	require.NoError(t, rules.Create(ctx, validRule(otherUser, otherCh.ID)))
}

func TestArchivedRulesDoNotCountTowardCap(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	var first *models.AlertRule
	for i := 0; i < models.MaxActiveRulesPerUser; i++ {
		r := validRule(userID, ch.ID)
		r.Name = fmt.Sprintf("rule %d", i)
		require.NoError(t, rules.Create(ctx, r))
		if first == nil {
			first = r
		}
	}

	require.NoError(t, rules.MarkFired(ctx, first.ID, time.Now()))
	require.NoError(t, rules.Create(ctx, validRule(userID, ch.ID)))
}

func TestMarkFiredIsAtomic(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	rule := validRule(userID, ch.ID)
	require.NoError(t, rules.Create(ctx, rule))

	firedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, rules.MarkFired(ctx, rule.ID, firedAt))

	// The losing attempt sees a conflict, not a second fire.
	err := rules.MarkFired(ctx, rule.ID, firedAt.Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	stored, err := rules.GetByID(ctx, userID, rule.ID)
	require.NoError(t, err)
	assert.True(t, stored.Archived)
	require.NotNil(t, stored.LastFiredAt)
	assert.WithinDuration(t, firedAt, *stored.LastFiredAt, time.Second)
}

func TestActiveForSubaccountSelection(t *testing.T) {
	subs, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)
	sub := seedSubaccount(t, subs, userID)
	otherSub := seedSubaccount(t, subs, userID)

	global := validRule(userID, ch.ID)
	global.Name = "global"
	require.NoError(t, rules.Create(ctx, global))

	scoped := validRule(userID, ch.ID)
	scoped.Name = "scoped"
	scoped.SubaccountID = &sub.ID
	require.NoError(t, rules.Create(ctx, scoped))

	foreign := validRule(userID, ch.ID)
	foreign.Name = "foreign"
	foreign.SubaccountID = &otherSub.ID
	require.NoError(t, rules.Create(ctx, foreign))

	disabled := validRule(userID, ch.ID)
	disabled.Name = "disabled"
	disabled.Enabled = false
	require.NoError(t, rules.Create(ctx, disabled))

	archived := validRule(userID, ch.ID)
	archived.Name = "archived"
	require.NoError(t, rules.Create(ctx, archived))
	require.NoError(t, rules.MarkFired(ctx, archived.ID, time.Now()))

	active, err := rules.ActiveForSubaccount(ctx, userID, sub.ID)
	require.NoError(t, err)

	names := make([]string, 0, len(active))
	for _, r := range active {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"global", "scoped"}, names)
}

func TestUpdateArchivedRuleFreezesCondition(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	rule := validRule(userID, ch.ID)
	require.NoError(t, rules.Create(ctx, rule))
	require.NoError(t, rules.MarkFired(ctx, rule.ID, time.Now()))

	stored, err := rules.GetByID(ctx, userID, rule.ID)
	require.NoError(t, err)

	// Renaming is fine.
	renamed := *stored
	renamed.Name = "renamed"
	require.NoError(t, rules.Update(ctx, &renamed))

	// Changing the threshold is not.
	mutated := renamed
	mutated.ThresholdValue = 1.0
	err = rules.Update(ctx, &mutated)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	// The update path cannot resurrect an archived rule.
	after, err := rules.GetByID(ctx, userID, rule.ID)
	require.NoError(t, err)
	assert.True(t, after.Archived)
}

func TestRuleValidation(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	noChannels := validRule(userID, ch.ID)
	noChannels.ChannelIDs = nil
	assert.True(t, errors.Is(rules.Create(ctx, noChannels), errors.ErrValidation))

	badScope := validRule(userID, ch.ID)
	badScope.ConditionType = models.ConditionPositionLeverage
	assert.True(t, errors.Is(rules.Create(ctx, badScope), errors.ErrValidation))

	noMarket := validRule(userID, ch.ID)
	noMarket.Scope = models.ScopePosition
	noMarket.ConditionType = models.ConditionPositionLeverage
	assert.True(t, errors.Is(rules.Create(ctx, noMarket), errors.ErrValidation))

	market := "BTC-USD"
	strayMarket := validRule(userID, ch.ID)
	strayMarket.PositionMarket = &market
	assert.True(t, errors.Is(rules.Create(ctx, strayMarket), errors.ErrValidation))

	// A position-scope rule may be global: nil subaccount means every
	// subaccount of the user, resolved by market presence at evaluation.
	globalPosition := validRule(userID, ch.ID)
	globalPosition.Name = "global leverage watch"
	globalPosition.Scope = models.ScopePosition
	globalPosition.ConditionType = models.ConditionPositionLeverage
	globalPosition.PositionMarket = &market
	assert.NoError(t, rules.Create(ctx, globalPosition))

	shortCooldown := validRule(userID, ch.ID)
	shortCooldown.CooldownSeconds = 30
	assert.True(t, errors.Is(rules.Create(ctx, shortCooldown), errors.ErrValidation))

	longCooldown := validRule(userID, ch.ID)
	longCooldown.CooldownSeconds = 100000
	assert.True(t, errors.Is(rules.Create(ctx, longCooldown), errors.ErrValidation))
}

// TestUpdateCannotRevertConcurrentFire interleaves a fire between Update's
// read and its conditional write via an update hook; the stale write must
// lose and the archived flag must survive.
func TestUpdateCannotRevertConcurrentFire(t *testing.T) {
	db := testDB(t)
	logger := zap.NewNop()
	rules := NewRuleStore(db, logger)
	channels := NewChannelStore(db, rules, logger)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	rule := validRule(userID, ch.ID)
	require.NoError(t, rules.Create(ctx, rule))

	fired := false
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("fire_between_read_and_write", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "alert_rules" {
			return
		}
		// MarkFired's own UPDATE carries the archived column; skip it.
		if dest, ok := tx.Statement.Dest.(map[string]any); !ok || dest["archived"] != nil {
			return
		}
		fired = true
		require.NoError(t, rules.MarkFired(ctx, rule.ID, time.Now()))
	}))

	update := *rule
	update.Name = "renamed"
	err := rules.Update(ctx, &update)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	require.True(t, fired)

	reloaded, err := rules.GetByID(ctx, userID, rule.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Archived, "fire must survive the racing update")
	assert.NotNil(t, reloaded.LastFiredAt)
}

func TestChannelDeletionGuard(t *testing.T) {
	_, rules, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	ch := seedChannel(t, channels, userID)

	r1 := validRule(userID, ch.ID)
	require.NoError(t, rules.Create(ctx, r1))
	r2 := validRule(userID, ch.ID)
	r2.Name = "second"
	require.NoError(t, rules.Create(ctx, r2))

	err := channels.Delete(ctx, userID, ch.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Contains(t, err.Error(), "2 active alert rule(s)")

	// Archived rules no longer block deletion.
	require.NoError(t, rules.MarkFired(ctx, r1.ID, time.Now()))
	require.NoError(t, rules.MarkFired(ctx, r2.ID, time.Now()))
	require.NoError(t, channels.Delete(ctx, userID, ch.ID))
}

func TestChannelCapEnforced(t *testing.T) {
	_, _, _, channels := newStores(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < models.MaxChannelsPerUser; i++ {
		seedChannel(t, channels, userID)
	}
	overflow := &models.NotificationChannel{
		UserID:      userID,
		ChannelType: models.ChannelWebhook,
		Name:        "overflow",
		Config:      models.JSONMap{"url": "http://example.test"},
	}
	err := channels.Create(ctx, overflow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCapacity))
}

func TestChannelConfigValidation(t *testing.T) {
	_, _, _, channels := newStores(t)
	ctx := context.Background()

	bad := &models.NotificationChannel{
		UserID:      uuid.New(),
		ChannelType: models.ChannelTelegram,
		Name:        "tg",
		Config:      models.JSONMap{},
	}
	err := channels.Create(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Contains(t, err.Error(), "chat_id")
}

func TestAlertListScopedToUser(t *testing.T) {
	subs, _, alerts, _ := newStores(t)
	ctx := context.Background()

	userA, userB := uuid.New(), uuid.New()
	subA := seedSubaccount(t, subs, userA)
	subB := seedSubaccount(t, subs, userB)

	for i, sid := range []uuid.UUID{subA.ID, subA.ID, subB.ID} {
		require.NoError(t, alerts.Create(ctx, &models.Alert{
			SubaccountID: sid,
			AlertType:    "rule_margin_ratio",
			Severity:     models.SeverityWarning,
			Message:      fmt.Sprintf("alert %d", i),
			CreatedAt:    time.Now(),
		}))
	}

	listA, err := alerts.List(ctx, userA, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, listA, 2)

	listB, err := alerts.List(ctx, userB, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, listB, 1)

	// Cross-user delete is a no-op.
	err = alerts.Delete(ctx, userA, listB[0].ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestAlertRetentionSweep(t *testing.T) {
	subs, _, alerts, _ := newStores(t)
	ctx := context.Background()
	sub := seedSubaccount(t, subs, uuid.New())

	old := &models.Alert{
		SubaccountID: sub.ID,
		AlertType:    models.AlertTypeLiquidationWarning,
		Severity:     models.SeverityWarning,
		Message:      "old",
		CreatedAt:    time.Now().AddDate(0, 0, -120),
	}
	fresh := &models.Alert{
		SubaccountID: sub.ID,
		AlertType:    models.AlertTypeLiquidationWarning,
		Severity:     models.SeverityWarning,
		Message:      "fresh",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, alerts.Create(ctx, old))
	require.NoError(t, alerts.Create(ctx, fresh))

	removed, err := alerts.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := alerts.List(ctx, sub.UserID, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].Message)
}

func TestSubaccountDuplicateRejected(t *testing.T) {
	subs, _, _, _ := newStores(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &models.Subaccount{UserID: userID, Address: "dydx1same", SubaccountNumber: 0}
	require.NoError(t, subs.Create(ctx, sub))

	dup := &models.Subaccount{UserID: userID, Address: "dydx1same", SubaccountNumber: 0}
	err := subs.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSubaccountDeleteCascadesAlerts(t *testing.T) {
	subs, _, alerts, _ := newStores(t)
	ctx := context.Background()
	userID := uuid.New()
	sub := seedSubaccount(t, subs, userID)

	require.NoError(t, alerts.Create(ctx, &models.Alert{
		SubaccountID: sub.ID,
		AlertType:    models.AlertTypeLiquidation,
		Severity:     models.SeverityCritical,
		Message:      "gone",
		CreatedAt:    time.Now(),
	}))

	require.NoError(t, subs.Delete(ctx, userID, sub.ID))

	left, err := alerts.List(ctx, userID, AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}
