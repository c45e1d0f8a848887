package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/models"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndQuery(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, Entry{
			DeploymentID:  "ds-1",
			StrategyIndex: i,
			User:          "alice",
			Broker:        "dummy",
			OrderID:       "ord-" + string(rune('a'+i)),
			Strike:        45000,
			OptionType:    models.OptionCE,
			Transaction:   models.TransactionSell,
			Quantity:      25,
			ExpectedPrice: 210.5,
			AveragePrice:  209.8,
			Status:        models.StatusCompleted,
			Reason:        "ENTERING CE",
			PlacedAt:      time.Now(),
		}))
	}
	require.NoError(t, j.Record(ctx, Entry{
		DeploymentID: "ds-2",
		User:         "bob",
		Broker:       "zerodha",
		OrderID:      "ord-x",
		OptionType:   models.OptionPE,
		Transaction:  models.TransactionBuy,
		Status:       models.StatusRejected,
		Reason:       "EXIT PE",
		ErrorMessage: "insufficient margin",
	}))

	got, err := j.ByDeployment(ctx, "ds-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, 2, got[0].StrategyIndex)
	assert.Equal(t, models.StatusCompleted, got[0].Status)
	assert.Equal(t, models.OptionCE, got[0].OptionType)

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ds-2", recent[0].DeploymentID)
	assert.Equal(t, "insufficient margin", recent[0].ErrorMessage)
}

func TestQueryLimitDefaults(t *testing.T) {
	j := openTestJournal(t)
	got, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
