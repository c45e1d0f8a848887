package market

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/models"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := NewMemoryStore()

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("k", 42.5)
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42.5, v)

	s.Set("k", 43.0)
	v, _ = s.Get("k")
	assert.Equal(t, 43.0, v)

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("spot", float64(n*100+j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Get("spot")
			}
		}()
	}
	wg.Wait()
	_, ok := s.Get("spot")
	assert.True(t, ok)
}

func TestDataTypedAccessors(t *testing.T) {
	d := NewData(NewMemoryStore())

	// Defaults on miss.
	assert.Nil(t, d.Chain())
	assert.Zero(t, d.Spot())
	assert.True(t, d.Expiry().IsZero())
	_, ok := d.LatestOI()
	assert.False(t, ok)

	chain := ChainSnapshot{
		{TradingSymbol: "BANKNIFTY24SEP45000CE", Strike: 45000, InstrumentType: models.OptionCE, LastPrice: 210.5},
		{TradingSymbol: "BANKNIFTY24SEP45000PE", Strike: 45000, InstrumentType: models.OptionPE, LastPrice: 198.0},
	}
	d.SetChain(chain)
	d.SetSpot(45012.35)
	expiry := time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC)
	d.SetExpiry(expiry)

	assert.Len(t, d.Chain(), 2)
	assert.Equal(t, 45012.35, d.Spot())
	assert.Equal(t, expiry, d.Expiry())

	row, ok := d.Chain().BySymbol("BANKNIFTY24SEP45000PE")
	require.True(t, ok)
	assert.Equal(t, models.OptionPE, row.InstrumentType)

	row, ok = d.Chain().ByStrike(45000, models.OptionCE)
	require.True(t, ok)
	assert.Equal(t, "BANKNIFTY24SEP45000CE", row.TradingSymbol)

	_, ok = d.Chain().ByStrike(46000, models.OptionCE)
	assert.False(t, ok)

	d.SetOISeries([]models.OISample{
		{CEOIChange: 0.01, PEOIChange: 0.02},
		{CEOIChange: 0.03, PEOIChange: 0.05},
	})
	last, ok := d.LatestOI()
	require.True(t, ok)
	assert.Equal(t, 0.03, last.CEOIChange)
}
