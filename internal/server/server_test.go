package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/metrics"
	"github.com/aristath/yieldrouter/internal/modules/scanner"
	"github.com/aristath/yieldrouter/internal/scheduler"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockController) Stop() {
	m.Called()
}

func (m *mockController) Running() bool {
	return m.Called().Bool(0)
}

func (m *mockController) RunOnce(ctx context.Context) ([]*domain.RebalanceExecution, error) {
	args := m.Called(ctx)
	execs, _ := args.Get(0).([]*domain.RebalanceExecution)
	return execs, args.Error(1)
}

func (m *mockController) Status() scheduler.Status {
	return m.Called().Get(0).(scheduler.Status)
}

type mockPositions struct {
	mock.Mock
}

func (m *mockPositions) All(ctx context.Context) ([]domain.Position, error) {
	args := m.Called(ctx)
	positions, _ := args.Get(0).([]domain.Position)
	return positions, args.Error(1)
}

func (m *mockPositions) Open(ctx context.Context, venue, token string, amount, apy decimal.Decimal) (domain.Position, error) {
	args := m.Called(ctx, venue, token, amount.String(), apy.String())
	return args.Get(0).(domain.Position), args.Error(1)
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) RecentExecutions(ctx context.Context, limit int) ([]*domain.RebalanceExecution, error) {
	args := m.Called(ctx, limit)
	execs, _ := args.Get(0).([]*domain.RebalanceExecution)
	return execs, args.Error(1)
}

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) ProposeNewCapital(ctx context.Context, token string, amount decimal.Decimal) (map[string]decimal.Decimal, error) {
	args := m.Called(ctx, token, amount.String())
	alloc, _ := args.Get(0).(map[string]decimal.Decimal)
	return alloc, args.Error(1)
}

type staticBreakers map[string]scanner.BreakerState

func (b staticBreakers) BreakerStates() map[string]scanner.BreakerState {
	return b
}

type fixture struct {
	srv        *Server
	controller *mockController
	positions  *mockPositions
	history    *mockHistory
	planner    *mockPlanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		controller: new(mockController),
		positions:  new(mockPositions),
		history:    new(mockHistory),
		planner:    new(mockPlanner),
	}
	f.srv = New(Config{
		Log:             zerolog.Nop(),
		DevMode:         true,
		Controller:      f.controller,
		Positions:       f.positions,
		History:         f.history,
		Planner:         f.planner,
		Breakers:        staticBreakers{"aave": scanner.BreakerClosed, "compound": scanner.BreakerOpen},
		Metrics:         metrics.New(),
		RunOnceInterval: time.Hour,
	})
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sampleExecution() *domain.RebalanceExecution {
	return &domain.RebalanceExecution{
		ID:    "exec-1",
		State: domain.ExecutionSuccess,
		Recommendation: domain.RebalanceRecommendation{
			ID:               "rec-1",
			SourceVenue:      "aave",
			DestinationVenue: "compound",
			Token:            "USDC",
			Amount:           decimal.NewFromInt(200),
			ExpectedAPY:      decimal.NewFromInt(5),
		},
		TotalGasCostUSD: decimal.RequireFromString("0.03"),
		Success:         true,
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Running").Return(true)

	for _, path := range []string{"/health", "/api/health"} {
		w := f.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, true, body["controller_running"])
	}
}

func TestStatus_IncludesBreakers(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Status").Return(scheduler.Status{Running: true, TotalScans: 7, Strategy: "yield_maximizer"})

	w := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(7), body["total_scans"])
	assert.Equal(t, "yield_maximizer", body["strategy"])
	assert.Equal(t, map[string]interface{}{"aave": "closed", "compound": "open"}, body["breakers"])
}

func TestControllerStart(t *testing.T) {
	t.Run("starts", func(t *testing.T) {
		f := newFixture(t)
		f.controller.On("Start", mock.Anything).Return(nil).Once()

		w := f.do(http.MethodPost, "/api/controller/start", "")
		assert.Equal(t, http.StatusOK, w.Code)
		f.controller.AssertExpectations(t)
	})

	t.Run("already running is a conflict", func(t *testing.T) {
		f := newFixture(t)
		f.controller.On("Start", mock.Anything).Return(scheduler.ErrAlreadyRunning)

		w := f.do(http.MethodPost, "/api/controller/start", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestControllerStop(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Stop").Return().Once()

	w := f.do(http.MethodPost, "/api/controller/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["status"])
	f.controller.AssertExpectations(t)
}

func TestRunOnce_ReturnsSummariesAndIsRateLimited(t *testing.T) {
	f := newFixture(t)
	f.controller.On("RunOnce", mock.Anything).Return([]*domain.RebalanceExecution{sampleExecution()}, nil).Once()

	w := f.do(http.MethodPost, "/api/controller/run-once", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	execs := body["executions"].([]interface{})
	require.Len(t, execs, 1)
	first := execs[0].(map[string]interface{})
	assert.Equal(t, "exec-1", first["id"])
	assert.Contains(t, first["summary"], "aave -> compound")

	w = f.do(http.MethodPost, "/api/controller/run-once", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	f.controller.AssertNumberOfCalls(t, "RunOnce", 1)
}

func TestRunOnce_CycleError(t *testing.T) {
	f := newFixture(t)
	f.controller.On("RunOnce", mock.Anything).Return(nil, errors.New("all venues unavailable"))

	w := f.do(http.MethodPost, "/api/controller/run-once", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "all venues unavailable", decode(t, w)["message"])
}

func TestPositions(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		f := newFixture(t)
		f.positions.On("All", mock.Anything).Return([]domain.Position{
			{ID: 1, Venue: "aave", Token: "USDC", Amount: decimal.NewFromInt(200), Status: domain.PositionActive},
		}, nil)

		w := f.do(http.MethodGet, "/api/positions", "")
		require.Equal(t, http.StatusOK, w.Code)
		var out []domain.Position
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(200)))
	})

	t.Run("open normalises token", func(t *testing.T) {
		f := newFixture(t)
		f.positions.On("Open", mock.Anything, "aave", "USDC", "150", "3.2").
			Return(domain.Position{ID: 2, Venue: "aave", Token: "USDC"}, nil).Once()

		w := f.do(http.MethodPost, "/api/positions", `{"venue":"aave","token":"usdc","amount":"150","apy":"3.2"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		f.positions.AssertExpectations(t)
	})

	t.Run("open rejects bad input", func(t *testing.T) {
		f := newFixture(t)
		for _, body := range []string{
			`not json`,
			`{"venue":"","token":"USDC","amount":"1"}`,
			`{"venue":"aave","token":"USDC","amount":"0"}`,
			`{"venue":"aave","token":"USDC","amount":"-5"}`,
		} {
			w := f.do(http.MethodPost, "/api/positions", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
		f.positions.AssertNotCalled(t, "Open", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestExecutions(t *testing.T) {
	f := newFixture(t)
	f.history.On("RecentExecutions", mock.Anything, 20).Return([]*domain.RebalanceExecution{sampleExecution()}, nil).Once()
	f.history.On("RecentExecutions", mock.Anything, 5).Return([]*domain.RebalanceExecution{}, nil).Once()

	w := f.do(http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "total gas")

	w = f.do(http.MethodGet, "/api/executions?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, bad := range []string{"0", "abc", "501"} {
		w = f.do(http.MethodGet, "/api/executions?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
	f.history.AssertExpectations(t)
}

func TestNewCapital(t *testing.T) {
	f := newFixture(t)
	f.planner.On("ProposeNewCapital", mock.Anything, "USDC", "1000").Return(map[string]decimal.Decimal{
		"compound": decimal.NewFromInt(600),
		"aave":     decimal.NewFromInt(300),
	}, nil)

	w := f.do(http.MethodGet, "/api/allocations/new-capital?token=usdc&amount=1000", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "USDC", body["token"])
	assert.Equal(t, "100", body["idle"])

	w = f.do(http.MethodGet, "/api/allocations/new-capital?token=USDC&amount=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Running").Return(false)

	f.do(http.MethodGet, "/health", "")
	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/health")
}

func TestSystemStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "unknown", body["database_health"])
	assert.Greater(t, body["goroutines"], float64(0))
}

func TestStatusMonitor_ReportsTransitions(t *testing.T) {
	controller := new(mockController)
	controller.On("Running").Return(false).Once()
	controller.On("Running").Return(true)

	breakers := staticBreakers{"aave": scanner.BreakerClosed}
	m := NewStatusMonitor(controller, breakers, zerolog.Nop())

	// closed breakers on first sight are not transitions
	assert.Equal(t, 0, m.checkStatuses())
	assert.Equal(t, 1, m.checkStatuses())

	breakers["aave"] = scanner.BreakerOpen
	assert.Equal(t, 1, m.checkStatuses())
	assert.Equal(t, 0, m.checkStatuses())
}
