package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
)

// testChain is a BANKNIFTY chain around 45000 with smooth greeks.
func testChain() market.ChainSnapshot {
	rows := []struct {
		strike float64
		delta  float64
		price  float64
		sigma  float64
	}{
		{44600, 0.74, 520, 0.185},
		{44700, 0.68, 455, 0.181},
		{44800, 0.62, 395, 0.178},
		{44900, 0.56, 340, 0.175},
		{45000, 0.50, 290, 0.172},
		{45100, 0.46, 245, 0.170},
		{45200, 0.40, 205, 0.168},
		{45300, 0.34, 170, 0.166},
		{45400, 0.28, 140, 0.165},
		{45500, 0.23, 114, 0.164},
		{45600, 0.18, 92, 0.163},
	}
	chain := make(market.ChainSnapshot, 0, len(rows)*2)
	for _, r := range rows {
		chain = append(chain, models.Instrument{
			TradingSymbol:  symbolFor(r.strike, models.OptionCE),
			Strike:         r.strike,
			InstrumentType: models.OptionCE,
			LastPrice:      r.price,
			Delta:          r.delta,
			Sigma:          r.sigma,
			TickSize:       0.05,
			LotSize:        15,
		})
		// Mirror row: the matching put at 90000-strike distance from
		// the call's moneyness.
		peStrike := 90000 - r.strike
		chain = append(chain, models.Instrument{
			TradingSymbol:  symbolFor(peStrike, models.OptionPE),
			Strike:         peStrike,
			InstrumentType: models.OptionPE,
			LastPrice:      r.price,
			Delta:          -r.delta,
			Sigma:          r.sigma,
			TickSize:       0.05,
			LotSize:        15,
		})
	}
	return chain
}

func symbolFor(strike float64, optType models.OptionType) string {
	return "BANKNIFTY" + itoa(int(strike)) + string(optType)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestEntryStrikesPicksLowestDeltaInsideBand(t *testing.T) {
	ce, pe, ok := EntryStrikes(testChain(), 0.45, 0.58)
	require.True(t, ok)

	// CE deltas inside (0.45, 0.58): 0.56, 0.50, 0.46; lowest wins.
	assert.Equal(t, 45100.0, ce.Strike)
	assert.Equal(t, models.OptionCE, ce.InstrumentType)
	// PE deltas inside (-0.58, -0.45): least negative wins.
	assert.Equal(t, 44900.0, pe.Strike)
	assert.Equal(t, models.OptionPE, pe.InstrumentType)
}

func TestEntryStrikesTieBreaksAwayFromSpot(t *testing.T) {
	chain := market.ChainSnapshot{
		{TradingSymbol: "A", Strike: 45000, InstrumentType: models.OptionCE, Delta: 0.50},
		{TradingSymbol: "B", Strike: 45100, InstrumentType: models.OptionCE, Delta: 0.50},
		{TradingSymbol: "C", Strike: 45000, InstrumentType: models.OptionPE, Delta: -0.50},
		{TradingSymbol: "D", Strike: 44900, InstrumentType: models.OptionPE, Delta: -0.50},
	}
	ce, pe, ok := EntryStrikes(chain, 0.45, 0.58)
	require.True(t, ok)
	assert.Equal(t, 45100.0, ce.Strike)
	assert.Equal(t, 44900.0, pe.Strike)
}

func TestEntryStrikesBoundsAreExclusive(t *testing.T) {
	chain := market.ChainSnapshot{
		{Strike: 45000, InstrumentType: models.OptionCE, Delta: 0.45},
		{Strike: 45100, InstrumentType: models.OptionCE, Delta: 0.58},
		{Strike: 45000, InstrumentType: models.OptionPE, Delta: -0.45},
	}
	_, _, ok := EntryStrikes(chain, 0.45, 0.58)
	assert.False(t, ok)
}

func TestFindStrikeDeltaComparators(t *testing.T) {
	chain := testChain()

	// GTE on delta picks the highest strike still satisfying the bound.
	row, ok := FindStrike(chain, 45000, 0.40, models.OptionCE, CmpGTE, FieldDelta)
	require.True(t, ok)
	assert.Equal(t, 45200.0, row.Strike)

	// LTE on delta picks the lowest strike satisfying the bound.
	row, ok = FindStrike(chain, 45000, 0.40, models.OptionCE, CmpLTE, FieldDelta)
	require.True(t, ok)
	assert.Equal(t, 45200.0, row.Strike)

	// PE side: LTE on a negative delta bound walks down in strike.
	row, ok = FindStrike(chain, 45000, -0.40, models.OptionPE, CmpLTE, FieldDelta)
	require.True(t, ok)
	assert.Equal(t, 44800.0, row.Strike)
}

func TestFindStrikeLastPriceDirection(t *testing.T) {
	chain := testChain()

	// A CE priced at or above 200: furthest-out candidate wins.
	row, ok := FindStrike(chain, 45000, 200, models.OptionCE, CmpGTE, FieldLastPrice)
	require.True(t, ok)
	assert.Equal(t, 45200.0, row.Strike)

	// A CE priced at or below 150: nearest cheap strike wins.
	row, ok = FindStrike(chain, 45000, 150, models.OptionCE, CmpLTE, FieldLastPrice)
	require.True(t, ok)
	assert.Equal(t, 45400.0, row.Strike)
}

func TestFindStrikeSpotBand(t *testing.T) {
	chain := testChain()

	// Every CE strike at or below spot-200 is out of bounds. With spot
	// at 46000 only 45900+ would qualify and none exists.
	_, ok := FindStrike(chain, 46000, 0.10, models.OptionCE, CmpGTE, FieldDelta)
	assert.False(t, ok)

	// The band is one-sided: far OTM calls stay eligible.
	row, ok := FindStrike(chain, 45000, 0.10, models.OptionCE, CmpGTE, FieldDelta)
	require.True(t, ok)
	assert.Equal(t, 45600.0, row.Strike)
}

func TestFindStrikeNoMatch(t *testing.T) {
	_, ok := FindStrike(testChain(), 45000, 0.99, models.OptionCE, CmpGTE, FieldDelta)
	assert.False(t, ok)
}
