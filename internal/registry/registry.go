// Package registry maintains the deployment ledger on top of the shared
// store: which deployments are running, who participates in them, and
// the current leg assignment per index.
//
// A deployment's presence in the registry is the authoritative signal
// that its control loop should keep running; removing it is the signal
// to stop. All mutations for one deployment are serialized through a
// per-deployment mutex so concurrent hot-join/hot-leave operations
// cannot clobber each other.
package registry

import (
	"fmt"
	"sync"

	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
)

// Store keys. Deployment-scoped keys are derived from the deployment id.
const (
	keyDeployed = "deployed_strategies"
)

func keyTradingSymbols(id string) string { return id + "_tradingsymbol" }
func keyOneSideHold(id string, idx int) string {
	return fmt.Sprintf("%s_%d_one_side_exit_hold", id, idx)
}
func keyStraddleData(id string) string { return id + "_user_wise_straddle_datas" }
func keyTickHold(id string) string     { return id + "_hold" }

// Registry wraps the shared store with typed, serialized deployment
// mutations. Accessors return copies of the stored maps and writers
// mutate a private copy before storing it, so readers never observe a
// map that a writer is changing in place.
type Registry struct {
	store market.Store

	// deployedMu serializes read-modify-write of the deployment map,
	// which is shared across all ids.
	deployedMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry over store.
func New(store market.Store) *Registry {
	return &Registry{store: store, locks: make(map[string]*sync.Mutex)}
}

// lock returns the mutex serializing mutations for one deployment id.
func (r *Registry) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Deployments returns a copy of the current deployment map.
func (r *Registry) Deployments() map[string]models.DeploymentRecord {
	out := map[string]models.DeploymentRecord{}
	if v, ok := r.store.Get(keyDeployed); ok {
		if m, ok := v.(map[string]models.DeploymentRecord); ok {
			for id, rec := range m {
				out[id] = rec
			}
		}
	}
	return out
}

// Running reports whether the deployment is present in the registry.
func (r *Registry) Running(id string) bool {
	_, ok := r.Deployments()[id]
	return ok
}

// Deployment returns the record for id, if present.
func (r *Registry) Deployment(id string) (models.DeploymentRecord, bool) {
	rec, ok := r.Deployments()[id]
	return rec, ok
}

// Register writes the deployment record. The whole deployment map is
// re-read and replaced under one registry-wide lock so concurrent
// registrations of different ids are not lost.
func (r *Registry) Register(id string, rec models.DeploymentRecord) {
	r.deployedMu.Lock()
	defer r.deployedMu.Unlock()
	deployed := r.Deployments()
	deployed[id] = rec
	r.store.Set(keyDeployed, deployed)
}

// Remove deletes the deployment record. The running loop observes the
// removal at its next tick and flattens; the leg map is left in place
// until the flatten path clears it, so removal never strands positions.
func (r *Registry) Remove(id string) {
	r.deployedMu.Lock()
	defer r.deployedMu.Unlock()
	deployed := r.Deployments()
	delete(deployed, id)
	r.store.Set(keyDeployed, deployed)
	r.store.Set(keyTickHold(id), false)
}

// UpdateUsers mutates the user list of a running deployment,
// re-reading before writing.
func (r *Registry) UpdateUsers(id string, fn func([]models.UserParams) []models.UserParams) error {
	r.deployedMu.Lock()
	defer r.deployedMu.Unlock()
	deployed := r.Deployments()
	rec, ok := deployed[id]
	if !ok {
		return fmt.Errorf("deployment %s not registered", id)
	}
	rec.UserParams = fn(rec.UserParams)
	deployed[id] = rec
	r.store.Set(keyDeployed, deployed)
	return nil
}

// LegAssignments returns a copy of the per-index leg map for the
// deployment.
func (r *Registry) LegAssignments(id string) map[int]models.LegAssignment {
	out := map[int]models.LegAssignment{}
	if v, ok := r.store.Get(keyTradingSymbols(id)); ok {
		if m, ok := v.(map[int]models.LegAssignment); ok {
			for idx, leg := range m {
				out[idx] = leg
			}
		}
	}
	return out
}

// SetLegAssignment normalizes and persists one index's legs under the
// deployment lock. Both-sides-exited is rejected as inconsistent.
func (r *Registry) SetLegAssignment(id string, idx int, leg models.LegAssignment) error {
	if err := leg.Normalize(); err != nil {
		return err
	}
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	legs := r.LegAssignments(id)
	legs[idx] = leg
	r.store.Set(keyTradingSymbols(id), legs)
	return nil
}

// SetLegAssignments replaces the whole per-index map. The input is
// copied so the caller keeps no reference into the stored map.
func (r *Registry) SetLegAssignments(id string, legs map[int]models.LegAssignment) error {
	stored := make(map[int]models.LegAssignment, len(legs))
	for idx, leg := range legs {
		if err := leg.Normalize(); err != nil {
			return fmt.Errorf("index %d: %w", idx, err)
		}
		stored[idx] = leg
	}
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	r.store.Set(keyTradingSymbols(id), stored)
	return nil
}

// ClearLegAssignments resets the deployment's leg map to empty.
func (r *Registry) ClearLegAssignments(id string) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	r.store.Set(keyTradingSymbols(id), map[int]models.LegAssignment{})
}

// OneSideExitHold reports whether automatic one-side exit is held off
// for the index.
func (r *Registry) OneSideExitHold(id string, idx int) bool {
	if v, ok := r.store.Get(keyOneSideHold(id, idx)); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// SetOneSideExitHold sets the hold flag. Setting an already-set flag is
// a no-op, not a toggle.
func (r *Registry) SetOneSideExitHold(id string, idx int, hold bool) {
	r.store.Set(keyOneSideHold(id, idx), hold)
}

// TickHold marks a tick's mutation window; external readers treat a
// held deployment's leg map as in-flux.
func (r *Registry) SetTickHold(id string, hold bool) {
	r.store.Set(keyTickHold(id), hold)
}

// TickHold reports the tick mutation flag.
func (r *Registry) TickHold(id string) bool {
	if v, ok := r.store.Get(keyTickHold(id)); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// StraddleBook returns a copy of the per-index, per-user straddle
// bookkeeping.
func (r *Registry) StraddleBook(id string) map[int]map[string]models.UserStraddle {
	out := map[int]map[string]models.UserStraddle{}
	if v, ok := r.store.Get(keyStraddleData(id)); ok {
		if m, ok := v.(map[int]map[string]models.UserStraddle); ok {
			for idx, byUser := range m {
				inner := make(map[string]models.UserStraddle, len(byUser))
				for user, ub := range byUser {
					inner[user] = ub
				}
				out[idx] = inner
			}
		}
	}
	return out
}

// UpdateStraddleBook mutates the straddle bookkeeping under the
// deployment lock.
func (r *Registry) UpdateStraddleBook(id string, fn func(map[int]map[string]models.UserStraddle)) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	book := r.StraddleBook(id)
	fn(book)
	r.store.Set(keyStraddleData(id), book)
}

// StraddlePositions returns a copy of the per-index straddle ledger,
// stored under the same tradingsymbol key family as the delta-shift
// legs.
func (r *Registry) StraddlePositions(id string) map[int]models.StraddlePosition {
	out := map[int]models.StraddlePosition{}
	if v, ok := r.store.Get(keyTradingSymbols(id)); ok {
		if m, ok := v.(map[int]models.StraddlePosition); ok {
			for idx, pos := range m {
				out[idx] = pos
			}
		}
	}
	return out
}

// UpdateStraddlePositions mutates the straddle ledger under the
// deployment lock.
func (r *Registry) UpdateStraddlePositions(id string, fn func(map[int]models.StraddlePosition)) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	positions := r.StraddlePositions(id)
	fn(positions)
	r.store.Set(keyTradingSymbols(id), positions)
}
