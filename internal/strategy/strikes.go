package strategy

import (
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
)

// Strike-search candidates must sit within this many points of spot so
// the search never rolls into illiquid far strikes.
const spotBand = 200.0

// Field selects which instrument column a strike search matches on.
type Field int

const (
	FieldDelta Field = iota
	FieldLastPrice
)

// Cmp selects the match direction of a strike search.
type Cmp int

const (
	CmpGTE Cmp = iota
	CmpLTE
)

func fieldValue(row models.Instrument, field Field) float64 {
	if field == FieldLastPrice {
		return row.LastPrice
	}
	return row.Delta
}

// preferHigherStrike encodes the documented tie-break ordering: among
// all candidates that match the comparison, the winner is the extreme
// strike in a fixed per-side direction, so rows sharing a delta or
// price still resolve deterministically.
func preferHigherStrike(optType models.OptionType, cmp Cmp, field Field) bool {
	if field == FieldDelta {
		return cmp == CmpGTE
	}
	if cmp == CmpGTE {
		return optType == models.OptionCE
	}
	return optType == models.OptionPE
}

// FindStrike selects the strike whose field satisfies the comparison
// against near, restricted to optType rows within the spot band. The
// boolean is false when no candidate matches; callers treat that as a
// no-op for the tick, never a failure.
func FindStrike(
	chain market.ChainSnapshot,
	spot, near float64,
	optType models.OptionType,
	cmp Cmp,
	field Field,
) (models.Instrument, bool) {
	higher := preferHigherStrike(optType, cmp, field)
	var best models.Instrument
	found := false
	for _, row := range chain {
		if row.InstrumentType != optType {
			continue
		}
		if optType == models.OptionCE && row.Strike <= spot-spotBand {
			continue
		}
		if optType == models.OptionPE && row.Strike >= spot+spotBand {
			continue
		}
		v := fieldValue(row, field)
		if cmp == CmpGTE && v < near {
			continue
		}
		if cmp == CmpLTE && v > near {
			continue
		}
		if !found || (higher && row.Strike > best.Strike) || (!higher && row.Strike < best.Strike) {
			best = row
			found = true
		}
	}
	return best, found
}

// EntryStrikes selects the initial legs of the short strangle: the CE
// with the lowest delta inside (minDelta, maxDelta) and the PE with the
// least negative delta inside (-maxDelta, -minDelta). Delta ties break
// by strike, higher for CE and lower for PE, favoring the side further
// from spot. Both deltas are fractions.
func EntryStrikes(chain market.ChainSnapshot, minDelta, maxDelta float64) (ce, pe models.Instrument, ok bool) {
	ceFound, peFound := false, false
	for _, row := range chain {
		switch row.InstrumentType {
		case models.OptionCE:
			if row.Delta <= minDelta || row.Delta >= maxDelta {
				continue
			}
			if !ceFound || row.Delta < ce.Delta || (row.Delta == ce.Delta && row.Strike > ce.Strike) {
				ce = row
				ceFound = true
			}
		case models.OptionPE:
			if row.Delta >= -minDelta || row.Delta <= -maxDelta {
				continue
			}
			if !peFound || row.Delta > pe.Delta || (row.Delta == pe.Delta && row.Strike < pe.Strike) {
				pe = row
				peFound = true
			}
		}
	}
	return ce, pe, ceFound && peFound
}
