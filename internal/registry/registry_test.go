package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
)

func newTestRegistry() *Registry {
	return New(market.NewMemoryStore())
}

func TestRegisterAndRunning(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Running("ds-1"))

	r.Register("ds-1", models.DeploymentRecord{
		NoOfStrategy: 2,
		UserParams:   []models.UserParams{{User: "alice", Broker: "dummy", Quantity: 25}},
	})
	assert.True(t, r.Running("ds-1"))

	rec, ok := r.Deployment("ds-1")
	require.True(t, ok)
	assert.Equal(t, 2, rec.NoOfStrategy)
	require.Len(t, rec.UserParams, 1)
	assert.Equal(t, "alice", rec.UserParams[0].User)
}

func TestRemoveKeepsLegsForFlatten(t *testing.T) {
	r := newTestRegistry()
	r.Register("ds-1", models.DeploymentRecord{NoOfStrategy: 1})
	require.NoError(t, r.SetLegAssignment("ds-1", 0, models.LegAssignment{
		CETradingSymbol: "BANKNIFTY2490448500CE",
		PETradingSymbol: "BANKNIFTY2490448500PE",
	}))
	r.SetTickHold("ds-1", true)

	r.Remove("ds-1")

	// The flatten path still needs the leg map after removal.
	assert.False(t, r.Running("ds-1"))
	assert.Len(t, r.LegAssignments("ds-1"), 1)
	assert.False(t, r.TickHold("ds-1"))

	r.ClearLegAssignments("ds-1")
	assert.Empty(t, r.LegAssignments("ds-1"))
}

func TestRegisterPreservesOtherDeployments(t *testing.T) {
	r := newTestRegistry()
	r.Register("ds-1", models.DeploymentRecord{NoOfStrategy: 1})
	r.Register("ds-2", models.DeploymentRecord{NoOfStrategy: 3})
	r.Remove("ds-1")

	assert.False(t, r.Running("ds-1"))
	assert.True(t, r.Running("ds-2"))
}

func TestUpdateUsersHotJoinLeave(t *testing.T) {
	r := newTestRegistry()
	r.Register("ds-1", models.DeploymentRecord{
		NoOfStrategy: 1,
		UserParams:   []models.UserParams{{User: "alice", Broker: "dummy", Quantity: 25}},
	})

	err := r.UpdateUsers("ds-1", func(users []models.UserParams) []models.UserParams {
		return append(users, models.UserParams{User: "bob", Broker: "dummy", Quantity: 50})
	})
	require.NoError(t, err)

	rec, _ := r.Deployment("ds-1")
	require.Len(t, rec.UserParams, 2)

	err = r.UpdateUsers("ds-1", func(users []models.UserParams) []models.UserParams {
		kept := users[:0]
		for _, u := range users {
			if u.User != "alice" {
				kept = append(kept, u)
			}
		}
		return kept
	})
	require.NoError(t, err)

	rec, _ = r.Deployment("ds-1")
	require.Len(t, rec.UserParams, 1)
	assert.Equal(t, "bob", rec.UserParams[0].User)

	assert.Error(t, r.UpdateUsers("ds-9", func(u []models.UserParams) []models.UserParams { return u }))
}

func TestSetLegAssignmentNormalizes(t *testing.T) {
	r := newTestRegistry()

	// Either single flag collapses into the paired representation.
	require.NoError(t, r.SetLegAssignment("ds-1", 0, models.LegAssignment{
		CETradingSymbol: "BANKNIFTY2490448500CE",
		PETradingSymbol: "BANKNIFTY2490447500PE",
		CEExitOneSide:   true,
	}))
	leg := r.LegAssignments("ds-1")[0]
	assert.True(t, leg.ExitedOneSide)
	assert.True(t, leg.CEExitOneSide)
	assert.False(t, leg.PEExitOneSide)

	// Both sides exited at once is inconsistent.
	err := r.SetLegAssignment("ds-1", 1, models.LegAssignment{
		CEExitOneSide: true,
		PEExitOneSide: true,
	})
	assert.Error(t, err)
	_, ok := r.LegAssignments("ds-1")[1]
	assert.False(t, ok)
}

func TestOneSideExitHoldIdempotent(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.OneSideExitHold("ds-1", 0))

	r.SetOneSideExitHold("ds-1", 0, true)
	r.SetOneSideExitHold("ds-1", 0, true)
	assert.True(t, r.OneSideExitHold("ds-1", 0))
	assert.False(t, r.OneSideExitHold("ds-1", 1))

	r.SetOneSideExitHold("ds-1", 0, false)
	assert.False(t, r.OneSideExitHold("ds-1", 0))
}

func TestStraddleBookUpdate(t *testing.T) {
	r := newTestRegistry()
	r.UpdateStraddleBook("st-1", func(book map[int]map[string]models.UserStraddle) {
		book[0] = map[string]models.UserStraddle{
			"alice": {User: "alice", Quantity: 25},
		}
	})
	r.UpdateStraddleBook("st-1", func(book map[int]map[string]models.UserStraddle) {
		entry := book[0]["alice"]
		entry.Quantity = 50
		book[0]["alice"] = entry
	})

	book := r.StraddleBook("st-1")
	require.Contains(t, book, 0)
	assert.Equal(t, 50, book[0]["alice"].Quantity)
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	r := newTestRegistry()
	r.Register("ds-1", models.DeploymentRecord{NoOfStrategy: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = r.UpdateUsers("ds-1", func(users []models.UserParams) []models.UserParams {
				return append(users, models.UserParams{User: "u", Broker: "dummy", Quantity: n})
			})
		}(i)
	}
	wg.Wait()

	rec, _ := r.Deployment("ds-1")
	assert.Len(t, rec.UserParams, 50)
}

func TestConcurrentRegisterDistinctIDs(t *testing.T) {
	r := newTestRegistry()

	// Writers on different ids share the deployment map; readers poll
	// it throughout. Fails under the race detector if any of them
	// touch the stored map in place.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for _, id := range []string{"alpha", "beta"} {
		id := id
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Running(id)
					r.Deployments()
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 50; i++ {
		writers.Add(1)
		go func(n int) {
			defer writers.Done()
			id := "alpha"
			if n%2 == 0 {
				id = "beta"
			}
			r.Register(id, models.DeploymentRecord{NoOfStrategy: n})
		}(i)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	assert.True(t, r.Running("alpha"))
	assert.True(t, r.Running("beta"))
}

func TestAccessorsReturnCopies(t *testing.T) {
	r := newTestRegistry()
	r.Register("ds-1", models.DeploymentRecord{NoOfStrategy: 1})
	require.NoError(t, r.SetLegAssignment("ds-1", 0, models.LegAssignment{
		CETradingSymbol: "BANKNIFTY2490448500CE",
		PETradingSymbol: "BANKNIFTY2490448500PE",
	}))

	deployed := r.Deployments()
	delete(deployed, "ds-1")
	assert.True(t, r.Running("ds-1"), "mutating the returned map must not touch the store")

	legs := r.LegAssignments("ds-1")
	delete(legs, 0)
	assert.Len(t, r.LegAssignments("ds-1"), 1)

	input := map[int]models.LegAssignment{0: {CETradingSymbol: "X", PETradingSymbol: "Y"}}
	require.NoError(t, r.SetLegAssignments("ds-1", input))
	input[0] = models.LegAssignment{}
	assert.Equal(t, "X", r.LegAssignments("ds-1")[0].CETradingSymbol)
}
