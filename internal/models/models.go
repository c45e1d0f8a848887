// Package models provides the value types shared across the strategy
// engine: instrument snapshots, order intents, leg assignments, and
// deployment records.
package models

import (
	"fmt"
	"time"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"
)

// Valid reports whether t is one of the two known option types.
func (t OptionType) Valid() bool {
	return t == OptionCE || t == OptionPE
}

// Opposite returns the other option type.
func (t OptionType) Opposite() OptionType {
	if t == OptionCE {
		return OptionPE
	}
	return OptionCE
}

// TransactionType identifies the direction of an order.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// OrderStatus is the normalized status reported by every broker backend.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusTrigger   OrderStatus = "TRIGGER PENDING"
)

// Terminal reports whether the status will never change again.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Instrument is one row of the option-chain snapshot: a single contract
// with its latest price, Greeks and open interest. Rows are written
// atomically by market-data ingestion and are read-only to strategies.
type Instrument struct {
	TradingSymbol     string     `json:"tradingsymbol"`
	Strike            float64    `json:"strike"`
	InstrumentType    OptionType `json:"instrument_type"`
	LastPrice         float64    `json:"last_price"`
	Delta             float64    `json:"delta"`
	Sigma             float64    `json:"sigma"`
	Theta             float64    `json:"theta"`
	Gamma             float64    `json:"gamma"`
	Vega              float64    `json:"vega"`
	OpenInterest      int64      `json:"open_interest"`
	ExchangeToken     string     `json:"exchange_token"`
	ExchangeTimestamp time.Time  `json:"exchange_timestamp"`
	Expiry            time.Time  `json:"expiry"`
	LotSize           int        `json:"lot_size"`
	TickSize          float64    `json:"tick_size"`
}

// OISample is one point of the aggregated open-interest series used as
// the one-side exit / re-entry signal. Change fields are fractional
// (0.05 == 5%) over the lookback window.
type OISample struct {
	Timestamp  time.Time `json:"timestamp"`
	CETotalOI  int64     `json:"ce_total_oi"`
	PETotalOI  int64     `json:"pe_total_oi"`
	PCR        float64   `json:"pcr"`
	CEOIChange float64   `json:"ce_oi_change"`
	PEOIChange float64   `json:"pe_oi_change"`
}

// OrderIntent is an ephemeral instruction produced by decision logic and
// consumed by the chase engine within the same tick. It is never persisted.
type OrderIntent struct {
	Strike        float64
	OptionType    OptionType
	ExpectedPrice float64
	ExpectedTime  time.Time
	Index         int
	Reason        string
}

// LegAssignment is the per-index position ledger entry for the
// delta-shift strategy: which symbols are currently sold on each side
// and whether one side has been exited.
type LegAssignment struct {
	CETradingSymbol string `json:"ce_tradingsymbol"`
	PETradingSymbol string `json:"pe_tradingsymbol"`
	ExitedOneSide   bool   `json:"exited_one_side"`
	CEExitOneSide   bool   `json:"ce_exit_one_side"`
	PEExitOneSide   bool   `json:"pe_exit_one_side"`
}

// Normalize makes the exit flags internally consistent:
// ExitedOneSide mirrors the per-side flags, and both sides exited at
// once is not a representable one-side state.
func (l *LegAssignment) Normalize() error {
	if l.CEExitOneSide && l.PEExitOneSide {
		return fmt.Errorf("leg assignment: both sides marked one-side exited")
	}
	l.ExitedOneSide = l.CEExitOneSide || l.PEExitOneSide
	return nil
}

// Open reports whether the given side currently holds a position.
func (l *LegAssignment) Open(t OptionType) bool {
	if t == OptionCE {
		return !l.CEExitOneSide && l.CETradingSymbol != ""
	}
	return !l.PEExitOneSide && l.PETradingSymbol != ""
}

// UserParams describes one participant of a deployment. QuantityMultiple
// holds the per-index order quantity (lots already multiplied by lot
// size and split across indices).
type UserParams struct {
	User             string `json:"user"`
	Broker           string `json:"broker"`
	QuantityMultiple []int  `json:"quantity_multiple"`
	Quantity         int    `json:"quantity"`
}

// DeploymentRecord is the registry entry whose presence keeps a
// deployment's control loop running.
type DeploymentRecord struct {
	UserParams   []UserParams `json:"user_params"`
	NoOfStrategy int          `json:"no_of_strategy"`
}

// StraddleLeg tracks one leg of a straddle for a single user: the entry
// order and its protective stop-loss order.
type StraddleLeg struct {
	EntryOrderID     string      `json:"entry_order_id"`
	EntryPrice       float64     `json:"entry_price"`
	EntryUpdated     bool        `json:"entry_updated"`
	ExitOrderID      string      `json:"exit_order_id"`
	ExitPrice        float64     `json:"exit_price"`
	ExitStatus       OrderStatus `json:"exit_status"`
	ExitUpdated      bool        `json:"exit_updated"`
	ExitedRealPrice  float64     `json:"exited_real_price"`
}

// UserStraddle is the per-user bookkeeping for one straddle index.
type UserStraddle struct {
	User     string      `json:"user"`
	Broker   string      `json:"broker"`
	Quantity int         `json:"quantity"`
	CE       StraddleLeg `json:"ce"`
	PE       StraddleLeg `json:"pe"`
}

// StraddlePosition is the per-index straddle ledger shared by all users
// of a deployment.
type StraddlePosition struct {
	CETradingSymbol  string  `json:"ce_tradingsymbol"`
	PETradingSymbol  string  `json:"pe_tradingsymbol"`
	CEEntryPrice     float64 `json:"ce_entry_price"`
	PEEntryPrice     float64 `json:"pe_entry_price"`
	CEStopLoss       float64 `json:"ce_sl"`
	PEStopLoss       float64 `json:"pe_sl"`
	CEExitPrice      float64 `json:"ce_exit_price"`
	PEExitPrice      float64 `json:"pe_exit_price"`
	Entered          bool    `json:"entered"`
	CEExited         bool    `json:"ce_exited"`
	PEExited         bool    `json:"pe_exited"`
	Exited           bool    `json:"exited"`
	ModifiedSLToCost bool    `json:"modified_sl_to_cost"`
}

// OrderResult is what the chase engine reports back for one leg order.
type OrderResult struct {
	OrderID      string      `json:"order_number"`
	Status       OrderStatus `json:"order_status"`
	AveragePrice float64     `json:"average_price"`
	EntryTime    time.Time   `json:"order_entry_time"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// PositionSnapshot is the live per-index view pushed to observers.
type PositionSnapshot struct {
	DeploymentID string    `json:"deployment_id"`
	Index        int       `json:"index"`
	CESymbol     string    `json:"ce_symbol"`
	PESymbol     string    `json:"pe_symbol"`
	CEDelta      float64   `json:"ce_delta"`
	PEDelta      float64   `json:"pe_delta"`
	CESigma      float64   `json:"ce_sigma"`
	PESigma      float64   `json:"pe_sigma"`
	Hold         bool      `json:"hold"`
	Timestamp    time.Time `json:"timestamp"`
}
