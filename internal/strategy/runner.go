package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/metrics"
	"github.com/trademaven/algoengine/internal/models"
)

// BrokerEngines builds and caches one chase engine per user, backed by
// the shared credential store. ForUser validates the session on every
// call so rotated tokens take effect before orders go out.
type BrokerEngines struct {
	creds   broker.CredentialStore
	mkt     *market.Data
	metrics *metrics.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	engines map[string]*chase.Engine
}

// NewBrokerEngines builds the provider. mets may be nil.
func NewBrokerEngines(creds broker.CredentialStore, mkt *market.Data, mets *metrics.Metrics, logger *log.Logger) *BrokerEngines {
	return &BrokerEngines{
		creds:   creds,
		mkt:     mkt,
		metrics: mets,
		logger:  logger,
		engines: map[string]*chase.Engine{},
	}
}

// ForUser returns the user's engine with a live broker session.
func (p *BrokerEngines) ForUser(ctx context.Context, user models.UserParams) (*chase.Engine, error) {
	p.mu.Lock()
	eng, ok := p.engines[user.User]
	if !ok {
		mb, err := broker.NewMultiBroker(user.User, p.creds, p.mkt, p.logger)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		eng = chase.NewEngine(mb, p.logger, chase.Config{Metrics: p.metrics})
		p.engines[user.User] = eng
	}
	p.mu.Unlock()

	if err := eng.Broker().InitiateSession(ctx); err != nil {
		return nil, fmt.Errorf("session for %s: %w", user.User, err)
	}
	return eng, nil
}

// Evict drops a cached engine so the next ForUser rebuilds it. Needed
// when a user's active broker changes in the credential store.
func (p *BrokerEngines) Evict(user string) {
	p.mu.Lock()
	delete(p.engines, user)
	p.mu.Unlock()
}

var _ EngineProvider = (*BrokerEngines)(nil)

type task struct {
	strat  Strategy
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns the lifecycle of deployed strategies: registration,
// background execution and cooperative shutdown.
type Runner struct {
	deps   Deps
	logger *log.Logger

	mu      sync.Mutex
	running map[string]*task
}

// NewRunner builds a runner over the shared dependencies.
func NewRunner(deps Deps) (*Runner, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	return &Runner{
		deps:    deps,
		logger:  deps.Logger,
		running: map[string]*task{},
	}, nil
}

// Deploy registers the deployment and starts its strategy in the
// background. The id must not already be running.
func (r *Runner) Deploy(ctx context.Context, id string, spec Spec, rec models.DeploymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return fmt.Errorf("deployment %s already running", id)
	}

	strat, err := New(id, r.deps, spec)
	if err != nil {
		return err
	}
	r.deps.Registry.Register(id, rec)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{strat: strat, cancel: cancel, done: make(chan struct{})}
	r.running[id] = t
	r.deps.Metrics.DeploymentStarted()

	go func() {
		defer close(t.done)
		defer r.deps.Metrics.DeploymentStopped()
		if err := strat.Run(runCtx); err != nil {
			r.logger.Printf("deployment %s finished with error: %v", id, err)
		} else {
			r.logger.Printf("deployment %s finished", id)
		}
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
	}()
	return nil
}

// Stop removes the deployment record so the strategy's loop winds down
// and flattens, then waits for it to finish.
func (r *Runner) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	t, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("deployment %s not running", id)
	}

	r.deps.Registry.Remove(id)
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		// Loop did not notice removal in time; cancel outright. The
		// strategy still flattens on a detached context.
		t.cancel()
		return ctx.Err()
	}
}

// StopAll winds every deployment down and waits for all of them.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.Lock()
	tasks := make(map[string]*task, len(r.running))
	for id, t := range r.running {
		tasks[id] = t
	}
	r.mu.Unlock()

	for id, t := range tasks {
		r.deps.Registry.Remove(id)
		select {
		case <-t.done:
		case <-ctx.Done():
			t.cancel()
			<-t.done
		}
		r.logger.Printf("deployment %s stopped", id)
	}
}

// Running lists the ids of live deployments.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) strategy(id string) (Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.running[id]
	if !ok {
		return nil, false
	}
	return t.strat, true
}

// DeltaShift returns the running delta-shift strategy for id.
func (r *Runner) DeltaShift(id string) (*DeltaShift, error) {
	strat, ok := r.strategy(id)
	if !ok {
		return nil, fmt.Errorf("deployment %s not running", id)
	}
	ds, ok := strat.(*DeltaShift)
	if !ok {
		return nil, fmt.Errorf("deployment %s is not a delta shift strategy", id)
	}
	return ds, nil
}

// Straddle returns the running straddle strategy for id.
func (r *Runner) Straddle(id string) (*Straddle, error) {
	strat, ok := r.strategy(id)
	if !ok {
		return nil, fmt.Errorf("deployment %s not running", id)
	}
	st, ok := strat.(*Straddle)
	if !ok {
		return nil, fmt.Errorf("deployment %s is not a straddle strategy", id)
	}
	return st, nil
}
