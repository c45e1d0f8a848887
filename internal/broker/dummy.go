package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trademaven/algoengine/internal/models"
)

// DummyClient is the simulated broker backend. Orders fill after a
// configurable number of status polls, which makes it usable both as a
// paper-trading backend and as the fill model in chase-engine tests.
type DummyClient struct {
	mu     sync.Mutex
	orders map[string]*dummyOrder

	// FillAfterReports is how many OrderReport calls an order stays
	// OPEN before completing. Zero fills on the first report.
	FillAfterReports int
	// RejectNext forces the next placed order to report REJECTED.
	RejectNext bool
}

type dummyOrder struct {
	req       OrderRequest
	status    models.OrderStatus
	reports   int
	avgPrice  float64
	placedAt  time.Time
	remaining int
}

// Ensure DummyClient implements API at compile time.
var _ API = (*DummyClient)(nil)

// NewDummyClient creates an empty simulator.
func NewDummyClient() *DummyClient {
	return &DummyClient{orders: make(map[string]*dummyOrder)}
}

// InitiateSession always succeeds: the simulator has no credentials.
func (d *DummyClient) InitiateSession(ctx context.Context) error { return nil }

// PlaceOrder records the order and returns a fresh order id.
func (d *DummyClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.NewString()
	status := models.StatusOpen
	if req.TriggerPrice > 0 {
		status = models.StatusTrigger
	}
	if d.RejectNext {
		status = models.StatusRejected
		d.RejectNext = false
	}
	d.orders[id] = &dummyOrder{
		req:       req,
		status:    status,
		avgPrice:  req.Price,
		placedAt:  time.Now(),
		remaining: req.Quantity,
	}
	return &OrderAck{OrderID: id, Message: "Your Order has been Placed and Forwarded to the Exchange: " + id}, nil
}

// ModifyOrder reprices a resting simulated order.
func (d *DummyClient) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderAck, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.orders[req.OrderID]
	if !ok {
		return nil, &RejectionError{OrderID: req.OrderID, Reason: "unknown order"}
	}
	if o.status.Terminal() {
		return nil, &RejectionError{OrderID: req.OrderID, Reason: "order already in terminal state"}
	}
	o.req.Price = req.Price
	o.avgPrice = req.Price
	if req.TriggerPrice > 0 {
		o.req.TriggerPrice = req.TriggerPrice
	}
	o.remaining = req.Quantity
	return &OrderAck{OrderID: req.OrderID, Message: "order modified"}, nil
}

// CancelOrder cancels a resting simulated order.
func (d *DummyClient) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.orders[orderID]
	if !ok {
		return nil, &RejectionError{OrderID: orderID, Reason: "unknown order"}
	}
	if !o.status.Terminal() {
		o.status = models.StatusCancelled
	}
	return &OrderAck{OrderID: orderID, Message: "order cancelled"}, nil
}

// OrderReport returns the order state, advancing the simulated fill.
func (d *DummyClient) OrderReport(ctx context.Context, orderID string) (*OrderReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.orders[orderID]
	if !ok {
		return nil, &RejectionError{OrderID: orderID, Reason: "unknown order"}
	}
	if !o.status.Terminal() {
		o.reports++
		if o.reports > d.FillAfterReports {
			o.status = models.StatusCompleted
			o.remaining = 0
		}
	}
	filled := o.req.Quantity - o.remaining
	return &OrderReport{
		OrderID:       orderID,
		TradingSymbol: o.req.TradingSymbol,
		Status:        o.status,
		Quantity:      o.req.Quantity,
		PendingQty:    o.remaining,
		FilledQty:     filled,
		Price:         o.req.Price,
		TriggerPrice:  o.req.TriggerPrice,
		AveragePrice:  o.avgPrice,
	}, nil
}

// Positions aggregates today's simulated fills per tradingsymbol.
func (d *DummyClient) Positions(ctx context.Context) ([]PositionItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bySymbol := make(map[string]*PositionItem)
	var order []string
	for _, o := range d.orders {
		if o.status != models.StatusCompleted {
			continue
		}
		item, ok := bySymbol[o.req.TradingSymbol]
		if !ok {
			item = &PositionItem{TradingSymbol: o.req.TradingSymbol}
			bySymbol[o.req.TradingSymbol] = item
			order = append(order, o.req.TradingSymbol)
		}
		value := o.avgPrice * float64(o.req.Quantity)
		if o.req.TransactionType == models.TransactionBuy {
			item.BuyQty += o.req.Quantity
			item.BuyValue += value
		} else {
			item.SellQty += o.req.Quantity
			item.SellValue += value
		}
	}
	items := make([]PositionItem, 0, len(bySymbol))
	for _, sym := range order {
		item := bySymbol[sym]
		item.NetQty = item.BuyQty - item.SellQty
		items = append(items, *item)
	}
	return items, nil
}

// Margin reports a fixed simulated margin.
func (d *DummyClient) Margin(ctx context.Context) (*Margin, error) {
	return &Margin{Available: 10_000_000}, nil
}
