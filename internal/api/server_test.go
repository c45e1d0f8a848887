package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/registry"
	"github.com/trademaven/algoengine/internal/strategy"
)

// dummyEngines backs every user with the paper broker so handler tests
// exercise real order flow end to end.
type dummyEngines struct {
	mkt *market.Data

	mu      sync.Mutex
	engines map[string]*chase.Engine
}

func (p *dummyEngines) ForUser(ctx context.Context, user models.UserParams) (*chase.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	eng, ok := p.engines[user.User]
	if !ok {
		client := broker.NewDummyClient()
		mb := broker.NewMultiBrokerWithAPI(user.User, broker.NameDummy, client, p.mkt, testLogger())
		eng = chase.NewEngine(mb, testLogger(), chase.Config{
			PollInterval: time.Millisecond,
			ModifySettle: time.Millisecond,
			CallTimeout:  time.Second,
		})
		p.engines[user.User] = eng
	}
	return eng, nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func quietLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testChain() market.ChainSnapshot {
	chain := market.ChainSnapshot{}
	for strike := 44800.0; strike <= 45400; strike += 100 {
		chain = append(chain,
			models.Instrument{
				TradingSymbol:  "BANKNIFTY25SEP" + strconv.Itoa(int(strike)) + "CE",
				Strike:         strike,
				InstrumentType: models.OptionCE,
				LastPrice:      290,
				Delta:          0.5,
				Sigma:          0.17,
				TickSize:       0.05,
			},
			models.Instrument{
				TradingSymbol:  "BANKNIFTY25SEP" + strconv.Itoa(int(strike)) + "PE",
				Strike:         strike,
				InstrumentType: models.OptionPE,
				LastPrice:      250,
				Delta:          -0.5,
				Sigma:          0.17,
				TickSize:       0.05,
			},
		)
	}
	return chain
}

type apiEnv struct {
	server *Server
	runner *strategy.Runner
	reg    *registry.Registry
	jrnl   *journal.Journal
}

func newAPIEnv(t *testing.T, cfg Config) *apiEnv {
	t.Helper()

	store := market.NewMemoryStore()
	mkt := market.NewData(store)
	mkt.SetChain(testChain())
	mkt.SetSpot(45050)
	mkt.SetExpiry(time.Now().AddDate(0, 0, 2))

	reg := registry.New(store)
	engines := &dummyEngines{mkt: mkt, engines: map[string]*chase.Engine{}}

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jrnl.Close() })

	runner, err := strategy.NewRunner(strategy.Deps{
		Market:   mkt,
		Registry: reg,
		Engines:  engines,
		Journal:  jrnl,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		// An expired context makes StopAll cancel the loops outright
		// instead of waiting out their sleep periods.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		runner.StopAll(ctx)
	})

	record := models.DeploymentRecord{
		UserParams:   []models.UserParams{{User: "ravi", Broker: broker.NameDummy, Quantity: 30}},
		NoOfStrategy: 1,
	}
	deployments := map[string]Deployment{
		// Long sleep keeps the background loop out of the way of the
		// manual-operation tests.
		"straddle-1": {
			Spec:   strategy.Spec{Kind: strategy.KindStraddle, Straddle: &strategy.StraddleParams{SleepTime: time.Hour}},
			Record: record,
		},
		// Short sleep so stop is observed promptly.
		"straddle-2": {
			Spec:   strategy.Spec{Kind: strategy.KindStraddle, Straddle: &strategy.StraddleParams{SleepTime: 5 * time.Millisecond}},
			Record: record,
		},
	}

	srv := NewServer(cfg, runner, reg, mkt, jrnl, engines, nil, deployments, quietLogrus())
	return &apiEnv{server: srv, runner: runner, reg: reg, jrnl: jrnl}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStartStopDeployment(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/straddle-2/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.reg.Running("straddle-2"))

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-2/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []deploymentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "straddle-1", views[0].ID)
	assert.False(t, views[0].Running)
	assert.Equal(t, "straddle-2", views[1].ID)
	assert.Equal(t, "straddle", views[1].Kind)
	assert.True(t, views[1].Running)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-2/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.reg.Running("straddle-2"))
}

func TestStartUnknownDeployment(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/deployments/nope/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStraddlePlaceExitAndPositions(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/straddle-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/straddle/place",
		straddleRequest{Index: 0, StopLossPercent: 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []models.PositionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "straddle-1", snaps[0].DeploymentID)
	assert.Equal(t, "BANKNIFTY25SEP45100CE", snaps[0].CESymbol)
	assert.Equal(t, "BANKNIFTY25SEP45100PE", snaps[0].PESymbol)
	assert.InDelta(t, 0.5, snaps[0].CEDelta, 1e-9)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/straddle/update",
		straddleRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/straddle/exit",
		straddleRequest{Index: 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snaps = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Empty(t, snaps)
}

func TestStraddleRejectsBadPercent(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/straddle-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/straddle/place",
		straddleRequest{Index: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeltaShiftOpsOnStraddleDeployment(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/straddle-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/shift",
		legRequest{Index: 0})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/exit-leg",
		legRequest{Index: 0, OptionType: "XX"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrdersEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	ctx := context.Background()
	require.NoError(t, env.jrnl.Record(ctx, journal.Entry{
		DeploymentID: "straddle-1",
		User:         "ravi",
		Broker:       broker.NameDummy,
		OrderID:      "1",
		Strike:       45100,
		OptionType:   models.OptionCE,
		Transaction:  models.TransactionSell,
		Quantity:     30,
		Reason:       "ENTERING CE",
		PlacedAt:     time.Now(),
	}))

	rec := env.do(t, http.MethodGet, "/api/orders?deployment=straddle-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "ENTERING CE", entries[0].Reason)

	rec = env.do(t, http.MethodGet, "/api/orders?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type capturingPublisher struct {
	mu     sync.Mutex
	frames [][]models.PositionSnapshot
}

func (p *capturingPublisher) PublishPositions(snaps []models.PositionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, snaps)
}

func (p *capturingPublisher) latest() []models.PositionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

func TestBroadcastPositionsPushesSnapshots(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/deployments/straddle-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/deployments/straddle-1/straddle/place",
		straddleRequest{Index: 0, StopLossPercent: 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	pub := &capturingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.server.BroadcastPositions(ctx, pub, 2*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return len(pub.latest()) == 1 }, time.Second, 2*time.Millisecond)
	snaps := pub.latest()
	assert.Equal(t, "straddle-1", snaps[0].DeploymentID)
	assert.Equal(t, "BANKNIFTY25SEP45100CE", snaps[0].CESymbol)

	cancel()
	<-done
}

func TestSquareOff(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	rec := env.do(t, http.MethodPost, "/api/square-off", squareOffRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/square-off",
		squareOffRequest{User: "ravi", Broker: broker.NameDummy})
	require.Equal(t, http.StatusOK, rec.Code)
	var results []models.OrderResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Empty(t, results)
}

func TestMarketUpdateIngestsFeederPush(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0"})

	sample := models.OISample{CETotalOI: 100, PETotalOI: 120, PCR: 1.2}
	rec := env.do(t, http.MethodPost, "/api/market", marketUpdate{
		Spot: 45210,
		OI:   &sample,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	mkt := env.server.market
	assert.InDelta(t, 45210, mkt.Spot(), 1e-9)
	series := mkt.OISeries()
	require.Len(t, series, 1)
	assert.InDelta(t, 1.2, series[0].PCR, 1e-9)
	// Chain untouched by a spot-only push.
	assert.NotEmpty(t, mkt.Chain())
}

func TestAuthTokenGuardsRoutes(t *testing.T) {
	env := newAPIEnv(t, Config{Addr: ":0", AuthToken: "sesame"})

	rec := env.do(t, http.MethodGet, "/api/deployments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/deployments?token=sesame", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
