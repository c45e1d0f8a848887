// Package strategy implements the live execution engines: the
// delta-shift-with-one-side-exit strangle and the straddle-with-stop-
// loss, both long-running per-deployment control loops that read the
// shared market state, apply a per-index decision state machine, and
// fan order intents out to every participating user through the chase
// engine.
package strategy

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/metrics"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/notify"
	"github.com/trademaven/algoengine/internal/registry"
)

// Kind selects a strategy variant. The set is closed: variants are
// dispatched through a constructor registry keyed by this enum, never
// by free-form name lookup.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeltaShift
	KindStraddle
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDeltaShift:
		return "delta_shift"
	case KindStraddle:
		return "straddle"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "delta_shift":
		return KindDeltaShift, nil
	case "straddle":
		return KindStraddle, nil
	default:
		return KindUnknown, fmt.Errorf("unknown strategy kind %q", s)
	}
}

// Strategy is a running variant. Run blocks until the deployment is
// removed from the registry, the exit time passes, or ctx is cancelled;
// it flattens open legs before returning.
type Strategy interface {
	Kind() Kind
	Run(ctx context.Context) error
}

// EngineProvider yields a ready-to-trade chase engine for one user,
// with the broker session already initiated.
type EngineProvider interface {
	ForUser(ctx context.Context, user models.UserParams) (*chase.Engine, error)
}

// Deps carries the shared collaborators every strategy needs. Notifier,
// Journal and Metrics may be nil.
type Deps struct {
	Market    *market.Data
	Registry  *registry.Registry
	Engines   EngineProvider
	Scheduler *Scheduler
	Notifier  notify.Notifier
	Journal   *journal.Journal
	Metrics   *metrics.Metrics
	Logger    *log.Logger
}

func (d *Deps) normalize() error {
	if d.Market == nil || d.Registry == nil || d.Engines == nil {
		return fmt.Errorf("strategy deps: market, registry and engines are required")
	}
	if d.Scheduler == nil {
		d.Scheduler = NewScheduler(nil)
	}
	if d.Logger == nil {
		d.Logger = log.New(os.Stderr, "strategy: ", log.LstdFlags)
	}
	return nil
}

func (d *Deps) alert(ctx context.Context, title, message, level string) {
	if d.Notifier == nil {
		return
	}
	d.Notifier.Alert(ctx, title, message, level)
}

// Spec is the closed tagged variant describing one deployment: exactly
// the parameter block matching Kind must be set.
type Spec struct {
	Kind       Kind
	DeltaShift *DeltaShiftParams
	Straddle   *StraddleParams
}

// Constructor builds a strategy for one deployment id.
type Constructor func(id string, deps Deps, spec Spec) (Strategy, error)

var constructors = map[Kind]Constructor{}

func register(k Kind, c Constructor) { constructors[k] = c }

// New dispatches to the registered constructor for spec.Kind.
func New(id string, deps Deps, spec Spec) (Strategy, error) {
	c, ok := constructors[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("no constructor for strategy kind %v", spec.Kind)
	}
	return c(id, deps, spec)
}
