package market

import (
	"time"

	"github.com/trademaven/algoengine/internal/models"
)

// Well-known store keys. Market-data ingestion writes them; everything
// else reads.
const (
	KeyChain    = "OPTION_GREEKS_INSTRUMENTS"
	KeySpot     = "UNDERLYING_LTP"
	KeyExpiry   = "EXPIRY"
	KeyOISeries = "LIVE_OI_SERIES"
)

// ChainSnapshot is one refresh of the option-chain table: at most one
// row per (strike, instrument type) for the active expiry.
type ChainSnapshot []models.Instrument

// BySymbol returns the row for tradingsymbol, if present.
func (c ChainSnapshot) BySymbol(tradingsymbol string) (models.Instrument, bool) {
	for _, row := range c {
		if row.TradingSymbol == tradingsymbol {
			return row, true
		}
	}
	return models.Instrument{}, false
}

// ByStrike returns the row for (strike, optionType), if present.
func (c ChainSnapshot) ByStrike(strike float64, optionType models.OptionType) (models.Instrument, bool) {
	for _, row := range c {
		if row.Strike == strike && row.InstrumentType == optionType {
			return row, true
		}
	}
	return models.Instrument{}, false
}

// Data wraps a Store with typed accessors for the market keys. The zero
// values returned on a miss are safe defaults: an empty chain, a zero
// spot and an empty series.
type Data struct {
	store Store
}

// NewData creates a typed view over store.
func NewData(store Store) *Data {
	return &Data{store: store}
}

// Chain returns the latest option-chain snapshot.
func (d *Data) Chain() ChainSnapshot {
	if v, ok := d.store.Get(KeyChain); ok {
		if c, ok := v.(ChainSnapshot); ok {
			return c
		}
	}
	return nil
}

// SetChain replaces the option-chain snapshot.
func (d *Data) SetChain(c ChainSnapshot) { d.store.Set(KeyChain, c) }

// Spot returns the latest underlying spot price, zero when unknown.
func (d *Data) Spot() float64 {
	if v, ok := d.store.Get(KeySpot); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// SetSpot replaces the underlying spot price.
func (d *Data) SetSpot(ltp float64) { d.store.Set(KeySpot, ltp) }

// Expiry returns the active expiry date, zero time when unknown.
func (d *Data) Expiry() time.Time {
	if v, ok := d.store.Get(KeyExpiry); ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// SetExpiry replaces the active expiry date.
func (d *Data) SetExpiry(t time.Time) { d.store.Set(KeyExpiry, t) }

// OISeries returns the aggregated open-interest signal series, oldest
// first.
func (d *Data) OISeries() []models.OISample {
	if v, ok := d.store.Get(KeyOISeries); ok {
		if s, ok := v.([]models.OISample); ok {
			return s
		}
	}
	return nil
}

// SetOISeries replaces the open-interest series.
func (d *Data) SetOISeries(s []models.OISample) { d.store.Set(KeyOISeries, s) }

// LatestOI returns the newest open-interest sample, if any.
func (d *Data) LatestOI() (models.OISample, bool) {
	s := d.OISeries()
	if len(s) == 0 {
		return models.OISample{}, false
	}
	return s[len(s)-1], true
}
