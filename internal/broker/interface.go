// Package broker normalizes heterogeneous brokerage backends behind one
// order-placement interface. It includes HTTP clients for the real
// brokers, an in-memory simulator, and the per-user multi-broker
// dispatcher with session management.
package broker

import (
	"context"

	"github.com/trademaven/algoengine/internal/models"
)

// Broker name constants, as stored in user credential records.
const (
	NameDummy    = "dummy"
	NameKite     = "zerodha"
	NameKotakNeo = "kotak_neo"
	NameKotakSec = "kotak"
)

// OrderRequest is the broker-native order instruction after the
// dispatcher has resolved the logical instrument.
type OrderRequest struct {
	TradingSymbol   string
	ExchangeToken   string
	Exchange        string
	TransactionType models.TransactionType
	Quantity        int
	// Price zero means a market order.
	Price float64
	// TriggerPrice non-zero makes this a stop-loss order.
	TriggerPrice float64
	Product      string
	Tag          string
}

// ModifyRequest repairs a resting order.
type ModifyRequest struct {
	OrderID         string
	TradingSymbol   string
	ExchangeToken   string
	TransactionType models.TransactionType
	Quantity        int
	Price           float64
	TriggerPrice    float64
}

// OrderAck is the immediate response to a placement or modification.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

// OrderReport is the normalized status of a single order.
type OrderReport struct {
	OrderID       string             `json:"order_id"`
	TradingSymbol string             `json:"tradingsymbol"`
	Status        models.OrderStatus `json:"status"`
	Quantity      int                `json:"quantity"`
	PendingQty    int                `json:"pending_qty"`
	FilledQty     int                `json:"filled_qty"`
	Price         float64            `json:"price"`
	TriggerPrice  float64            `json:"trigger_price"`
	AveragePrice  float64            `json:"average_price"`
	ErrorMessage  string             `json:"error_message,omitempty"`
}

// PositionItem is one net position row from the broker's book.
type PositionItem struct {
	TradingSymbol string  `json:"tradingsymbol"`
	BuyQty        int     `json:"buy_qty"`
	SellQty       int     `json:"sell_qty"`
	NetQty        int     `json:"net_qty"`
	BuyValue      float64 `json:"buy_value"`
	SellValue     float64 `json:"sell_value"`
}

// Margin is the available margin report.
type Margin struct {
	Available float64 `json:"available"`
	Utilized  float64 `json:"utilized"`
}

// API is the uniform contract every broker backend implements.
// InitiateSession must succeed before any other call; implementations
// return ErrSessionExpired from other methods when credentials go stale
// so the dispatcher can refresh and retry.
type API interface {
	InitiateSession(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderAck, error)
	OrderReport(ctx context.Context, orderID string) (*OrderReport, error)
	Positions(ctx context.Context) ([]PositionItem, error)
	Margin(ctx context.Context) (*Margin, error)
}
