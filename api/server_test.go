package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perpwatch/perpwatch/internal/config"
	"github.com/perpwatch/perpwatch/internal/database"
	"github.com/perpwatch/perpwatch/internal/feed"
	"github.com/perpwatch/perpwatch/internal/store"
	"github.com/perpwatch/perpwatch/pkg/models"
)

type monitorStub struct {
	added   []uuid.UUID
	removed []uuid.UUID
}

func (m *monitorStub) AddSubaccount(_ context.Context, sub *models.Subaccount) {
	m.added = append(m.added, sub.ID)
}

func (m *monitorStub) RemoveSubaccount(_ context.Context, sub *models.Subaccount) {
	m.removed = append(m.removed, sub.ID)
}

type testerStub struct {
	err    error
	tested []uuid.UUID
}

func (t *testerStub) TestChannel(_ context.Context, ch *models.NotificationChannel) error {
	t.tested = append(t.tested, ch.ID)
	return t.err
}

type statusStub struct {
	snapshots map[uuid.UUID]*feed.StatusSnapshot
}

func (s *statusStub) GetStatus(_ context.Context, id uuid.UUID, dest any) (bool, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, dest)
}

type hubStub struct{}

func (hubStub) ServeWS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type testEnv struct {
	server  *Server
	monitor *monitorStub
	tester  *testerStub
	status  *statusStub
	userID  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	rules := store.NewRuleStore(db, logger)
	env := &testEnv{
		monitor: &monitorStub{},
		tester:  &testerStub{},
		status:  &statusStub{snapshots: map[uuid.UUID]*feed.StatusSnapshot{}},
		userID:  uuid.New(),
	}
	env.server = NewServer(ServerParams{
		Logger:      logger,
		Config:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		Subaccounts: store.NewSubaccountStore(db, logger),
		Rules:       rules,
		Alerts:      store.NewAlertStore(db, logger),
		Channels:    store.NewChannelStore(db, rules, logger),
		Monitor:     env.monitor,
		Tester:      env.tester,
		Status:      env.status,
		Hub:         hubStub{},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", e.userID.String())
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func (e *testEnv) createSubaccount(t *testing.T) *models.Subaccount {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/subaccounts", map[string]any{
		"address":           "dydx1" + uuid.NewString()[:8],
		"subaccount_number": 0,
		"nickname":          "main",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub models.Subaccount
	decodeBody(t, rec, &sub)
	return &sub
}

func (e *testEnv) createChannel(t *testing.T) *models.NotificationChannel {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/channels", map[string]any{
		"channel_type": "webhook",
		"name":         "hook " + uuid.NewString()[:8],
		"config":       map[string]any{"url": "http://example.test/hook"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ch models.NotificationChannel
	decodeBody(t, rec, &ch)
	return &ch
}

func TestIdentityHeaderRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subaccounts", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/subaccounts", nil)
	req.Header.Set("X-User-ID", "not-a-uuid")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubaccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createSubaccount(t)

	// The monitor starts watching on create.
	require.Len(t, env.monitor.added, 1)
	assert.Equal(t, sub.ID, env.monitor.added[0])

	// Duplicates are rejected.
	rec := env.do(t, http.MethodPost, "/api/v1/subaccounts", map[string]any{
		"address":           sub.Address,
		"subaccount_number": sub.SubaccountNumber,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Deactivating stops the watch.
	inactive := false
	rec = env.do(t, http.MethodPut, "/api/v1/subaccounts/"+sub.ID.String(), map[string]any{
		"is_active": &inactive,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.monitor.removed, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/subaccounts/"+sub.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/subaccounts/"+sub.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubaccountStatusFromCache(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createSubaccount(t)

	rec := env.do(t, http.MethodGet, "/api/v1/subaccounts/"+sub.ID.String()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.status.snapshots[sub.ID] = &feed.StatusSnapshot{
		SubaccountID: sub.ID.String(),
		Address:      sub.Address,
		Status:       "safe",
	}
	rec = env.do(t, http.MethodGet, "/api/v1/subaccounts/"+sub.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap feed.StatusSnapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, "safe", snap.Status)
}

func TestRuleCreateValidatesReferences(t *testing.T) {
	env := newTestEnv(t)
	ch := env.createChannel(t)

	// A channel belonging to someone else is rejected.
	rec := env.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]any{
		"name":            "watch margin",
		"scope":           "account",
		"condition_type":  "margin_ratio",
		"threshold_value": 2.0,
		"comparison":      "<=",
		"severity":        "warning",
		"channel_ids":     []string{uuid.NewString()},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]any{
		"name":            "watch margin",
		"scope":           "account",
		"condition_type":  "margin_ratio",
		"threshold_value": 2.0,
		"comparison":      "<=",
		"severity":        "warning",
		"channel_ids":     []string{ch.ID.String()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var rule models.AlertRule
	decodeBody(t, rec, &rule)
	assert.NotEmpty(t, rule.Description)
	assert.Contains(t, rule.Description, "Margin Ratio")
	assert.Equal(t, float64(models.CooldownDefaultSeconds), rule.CooldownSeconds)
}

func TestRuleCreateRejectsBadCondition(t *testing.T) {
	env := newTestEnv(t)
	ch := env.createChannel(t)

	rec := env.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]any{
		"name":            "bad scope pairing",
		"scope":           "account",
		"condition_type":  "position_leverage",
		"threshold_value": 5.0,
		"comparison":      ">",
		"severity":        "warning",
		"channel_ids":     []string{ch.ID.String()},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelDeleteConflictAndTest(t *testing.T) {
	env := newTestEnv(t)
	ch := env.createChannel(t)

	rec := env.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]any{
		"name":            "uses channel",
		"scope":           "account",
		"condition_type":  "equity_drop",
		"threshold_value": 1000.0,
		"comparison":      "<",
		"severity":        "critical",
		"channel_ids":     []string{ch.ID.String()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/api/v1/channels/"+ch.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 active alert rule(s)")

	// Test delivery success clears state and reports ok.
	rec = env.do(t, http.MethodPost, "/api/v1/channels/"+ch.ID.String()+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.tester.tested, 1)

	// Test delivery failure surfaces as a gateway error.
	env.tester.err = assert.AnError
	rec = env.do(t, http.MethodPost, "/api/v1/channels/"+ch.ID.String()+"/test", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAvailablePositions(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createSubaccount(t)

	rec := env.do(t, http.MethodGet, "/api/v1/alert-rules/available-positions?subaccount_id="+sub.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions": []}`, rec.Body.String())
}

func TestAlertsBulkDelete(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/alerts/bulk-delete", map[string]any{
		"ids": []string{uuid.NewString(), uuid.NewString()},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted": 0}`, rec.Body.String())
}
