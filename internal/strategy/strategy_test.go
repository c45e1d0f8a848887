package strategy

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/registry"
)

// fakeClock advances instantly on every sleep so control loops can be
// driven through a full trading day in a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// testEngines backs every user with a dummy broker so tests can inspect
// the orders a strategy produced.
type testEngines struct {
	mkt       *market.Data
	fillAfter int

	mu      sync.Mutex
	clients map[string]*broker.DummyClient
	engines map[string]*chase.Engine
}

func newTestEngines(mkt *market.Data, fillAfter int) *testEngines {
	return &testEngines{
		mkt:       mkt,
		fillAfter: fillAfter,
		clients:   map[string]*broker.DummyClient{},
		engines:   map[string]*chase.Engine{},
	}
}

func (p *testEngines) ForUser(ctx context.Context, user models.UserParams) (*chase.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	eng, ok := p.engines[user.User]
	if !ok {
		client := broker.NewDummyClient()
		client.FillAfterReports = p.fillAfter
		mb := broker.NewMultiBrokerWithAPI(user.User, broker.NameDummy, client, p.mkt, testLogger())
		eng = chase.NewEngine(mb, testLogger(), chase.Config{
			PollInterval: time.Millisecond,
			ModifySettle: time.Millisecond,
			CallTimeout:  time.Second,
		})
		p.clients[user.User] = client
		p.engines[user.User] = eng
	}
	return eng, nil
}

func (p *testEngines) client(user string) *broker.DummyClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[user]
}

// orders returns the user's placed orders in placement order.
func (p *testEngines) orders(ctx context.Context, t *testing.T, user string) []broker.PositionItem {
	t.Helper()
	c := p.client(user)
	if c == nil {
		return nil
	}
	items, err := c.Positions(ctx)
	if err != nil {
		t.Fatalf("positions for %s: %v", user, err)
	}
	return items
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "test: ", 0)
}

type testEnv struct {
	mkt     *market.Data
	reg     *registry.Registry
	engines *testEngines
	clock   *fakeClock
	deps    Deps
}

// newTestEnv wires an in-memory environment around the given chain. The
// clock starts mid-session two days before expiry.
func newTestEnv(t *testing.T, chain market.ChainSnapshot, spot float64) *testEnv {
	t.Helper()
	store := market.NewMemoryStore()
	mkt := market.NewData(store)
	mkt.SetChain(chain)
	mkt.SetSpot(spot)

	now := time.Date(2025, 9, 2, 10, 0, 0, 0, time.Local)
	mkt.SetExpiry(time.Date(2025, 9, 4, 15, 30, 0, 0, time.Local))

	clock := newFakeClock(now)
	engines := newTestEngines(mkt, 0)
	reg := registry.New(store)
	return &testEnv{
		mkt:     mkt,
		reg:     reg,
		engines: engines,
		clock:   clock,
		deps: Deps{
			Market:    mkt,
			Registry:  reg,
			Engines:   engines,
			Scheduler: NewScheduler(clock),
			Logger:    testLogger(),
		},
	}
}

func (e *testEnv) registerUsers(id string, names ...string) {
	users := make([]models.UserParams, 0, len(names))
	for _, n := range names {
		users = append(users, models.UserParams{User: n, Broker: broker.NameDummy, Quantity: 30})
	}
	e.reg.Register(id, models.DeploymentRecord{UserParams: users, NoOfStrategy: 1})
}

// sellCount and buyCount aggregate transaction sides across a user's
// simulated positions.
func sideQty(items []broker.PositionItem) (sold, bought int) {
	for _, it := range items {
		sold += it.SellQty
		bought += it.BuyQty
	}
	return sold, bought
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("delta_shift")
	if err != nil || k != KindDeltaShift {
		t.Fatalf("ParseKind delta_shift = %v, %v", k, err)
	}
	k, err = ParseKind("straddle")
	if err != nil || k != KindStraddle {
		t.Fatalf("ParseKind straddle = %v, %v", k, err)
	}
	if _, err = ParseKind("ironfly"); err == nil {
		t.Fatal("ParseKind accepted unknown kind")
	}
}

func TestNewDispatchesByKind(t *testing.T) {
	env := newTestEnv(t, testChain(), 45000)
	env.registerUsers("k-1", "ravi")

	s, err := New("k-1", env.deps, Spec{Kind: KindStraddle})
	if err != nil {
		t.Fatalf("New straddle: %v", err)
	}
	if s.Kind() != KindStraddle {
		t.Fatalf("Kind = %v", s.Kind())
	}

	if _, err := New("k-2", env.deps, Spec{Kind: KindDeltaShift}); err == nil {
		t.Fatal("delta shift without params should fail")
	}
}
