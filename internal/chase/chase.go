// Package chase implements the order chase engine: place a limit order,
// poll its status, and keep repricing the resting order within a
// slippage band until it reaches a terminal state.
package chase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/metrics"
	"github.com/trademaven/algoengine/internal/models"
)

// Config tunes the poll/reprice loop.
type Config struct {
	// PollInterval is the delay between status polls.
	PollInterval time.Duration
	// ModifySettle is the short wait after a modify before re-reading
	// status.
	ModifySettle time.Duration
	// CallTimeout bounds each individual broker call.
	CallTimeout time.Duration
	// SellFloor is the minimum limit price a sell may be chased down to.
	SellFloor float64
	// Metrics counts chase loop iterations; nil disables.
	Metrics *metrics.Metrics
}

// DefaultConfig is the default chase configuration.
var DefaultConfig = Config{
	PollInterval: 2500 * time.Millisecond,
	ModifySettle: 250 * time.Millisecond,
	CallTimeout:  5 * time.Second,
	SellFloor:    0.5,
}

// Request describes one desired leg.
type Request struct {
	Strike          float64
	OptionType      models.OptionType
	TransactionType models.TransactionType
	Quantity        int
	// ExpectedPrice zero means use the last traded price. A market
	// order (no chasing) is requested by setting MarketOrder.
	ExpectedPrice float64
	// MaxPrice clamps chased prices: a sell never goes below it, a buy
	// never above it. Zero disables the clamp.
	MaxPrice float64
	// InitialSlippage widens the first placement to improve first-pass
	// fill probability.
	InitialSlippage float64
	// Slippage is the steady-state chase band applied on each reprice.
	Slippage float64
	// MarketOrder places at market and skips the chase loop.
	MarketOrder bool
	Tag         string
}

// Engine drives place-and-chase order execution through one user's
// multi-broker dispatcher.
type Engine struct {
	mb     *broker.MultiBroker
	logger *log.Logger
	config Config
}

// NewEngine creates a chase engine for the given dispatcher.
func NewEngine(mb *broker.MultiBroker, logger *log.Logger, config ...Config) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.ModifySettle <= 0 {
		cfg.ModifySettle = DefaultConfig.ModifySettle
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.SellFloor <= 0 {
		cfg.SellFloor = DefaultConfig.SellFloor
	}
	if logger == nil {
		logger = log.New(os.Stderr, "chase: ", log.LstdFlags)
	}
	return &Engine{mb: mb, logger: logger, config: cfg}
}

// PlaceAndChase places the order and chases it until terminal. There is
// at most one live order per invocation. Completion time is unbounded;
// callers enforce cutoffs through ctx.
func (e *Engine) PlaceAndChase(ctx context.Context, req Request) (models.OrderResult, error) {
	start := time.Now()
	result := models.OrderResult{EntryTime: start, Status: models.StatusPending}

	inst, err := e.mb.Instrument(req.Strike, req.OptionType)
	if err != nil {
		return result, err
	}

	expectedPrice := req.ExpectedPrice
	if expectedPrice == 0 && !req.MarketOrder {
		expectedPrice, err = e.mb.LTP(inst.TradingSymbol)
		if err != nil {
			return result, err
		}
	}

	// Placement gets one local retry; anything after that propagates.
	ack, err := e.placeWithRetry(ctx, inst, req, expectedPrice)
	if err != nil {
		return result, err
	}
	result.OrderID = ack.OrderID

	report, err := e.orderReport(ctx, ack.OrderID)
	if err != nil {
		return result, err
	}
	result.Status = report.Status
	result.AveragePrice = report.AveragePrice
	result.ErrorMessage = report.ErrorMessage

	if report.Status == models.StatusRejected {
		e.logger.Printf("%s: ORDER REJECTED %0.f%s %s %s", e.mb.Username, req.Strike, req.OptionType, req.TransactionType, ack.OrderID)
		return result, nil
	}
	if report.Status.Terminal() || req.MarketOrder || expectedPrice == 0 {
		return result, nil
	}

	return e.chase(ctx, inst, req, ack.OrderID, result)
}

func (e *Engine) chase(
	ctx context.Context,
	inst models.Instrument,
	req Request,
	orderID string,
	result models.OrderResult,
) (models.OrderResult, error) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
		e.config.Metrics.ChaseLoop()

		report, err := e.orderReport(ctx, orderID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return result, err
		}
		result.Status = report.Status
		result.AveragePrice = report.AveragePrice
		result.ErrorMessage = report.ErrorMessage

		if report.Status == models.StatusRejected {
			e.logger.Printf("%s: ORDER REJECTED %s", e.mb.Username, orderID)
			return result, nil
		}
		if report.Status.Terminal() {
			return result, nil
		}

		ltp, err := e.mb.LTP(inst.TradingSymbol)
		if err != nil {
			return result, err
		}
		price := e.ChasePrice(ltp, req.TransactionType, req.Slippage, req.MaxPrice)

		e.logger.Printf("%s: MODIFY ORDER %.0f%s %s %s -> %.2f",
			e.mb.Username, req.Strike, req.OptionType, req.TransactionType, orderID, price)

		_, err = e.mb.ModifyOrder(ctx, inst, orderID, req.TransactionType, report.PendingQty, price, 0)
		if err != nil {
			if broker.IsRejection(err) {
				// The order went terminal between the poll and the
				// modify; the next report settles the final state.
				continue
			}
			return result, err
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(e.config.ModifySettle):
		}

		report, err = e.orderReport(ctx, orderID)
		if err != nil {
			continue
		}
		result.Status = report.Status
		result.AveragePrice = report.AveragePrice
		if report.Status.Terminal() {
			return result, nil
		}
	}
}

// ChasePrice computes the next limit price: LTP adjusted by slippage
// against the trader's side, floored for sells and optionally clamped
// by maxPrice.
func (e *Engine) ChasePrice(ltp float64, txType models.TransactionType, slippage, maxPrice float64) float64 {
	var price float64
	if txType == models.TransactionSell {
		price = math.Max(ltp-slippage, e.config.SellFloor)
		if maxPrice > 0 {
			price = math.Max(price, maxPrice)
		}
	} else {
		price = ltp + slippage
		if maxPrice > 0 {
			price = math.Min(price, maxPrice)
		}
	}
	return price
}

func (e *Engine) placeWithRetry(
	ctx context.Context,
	inst models.Instrument,
	req Request,
	expectedPrice float64,
) (*broker.OrderAck, error) {
	place := func() (*broker.OrderAck, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
		return e.mb.PlaceOrder(callCtx, inst, req.TransactionType, req.Quantity, expectedPrice, req.InitialSlippage)
	}
	ack, err := place()
	if err == nil {
		return ack, nil
	}
	if broker.IsRejection(err) {
		return nil, err
	}
	e.logger.Printf("%s: place order failed, retrying once: %v", e.mb.Username, err)
	ack, retryErr := place()
	if retryErr != nil {
		return nil, fmt.Errorf("placing order after retry: %w", retryErr)
	}
	return ack, nil
}

// Broker exposes the underlying dispatcher for callers that need raw
// order reports or modifications outside a chase, such as stop-loss
// reconciliation.
func (e *Engine) Broker() *broker.MultiBroker { return e.mb }

func (e *Engine) orderReport(ctx context.Context, orderID string) (*broker.OrderReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return e.mb.OrderReport(callCtx, orderID)
}

// PlaceStopLoss places a protective stop-loss order without chasing it.
func (e *Engine) PlaceStopLoss(
	ctx context.Context,
	strike float64,
	optionType models.OptionType,
	txType models.TransactionType,
	quantity int,
	triggerPrice float64,
	slippage float64,
) (models.OrderResult, error) {
	result := models.OrderResult{EntryTime: time.Now(), Status: models.StatusPending}
	inst, err := e.mb.Instrument(strike, optionType)
	if err != nil {
		return result, err
	}
	ack, err := e.mb.PlaceStopLossOrder(ctx, inst, txType, quantity, triggerPrice, slippage)
	if err != nil {
		return result, err
	}
	result.OrderID = ack.OrderID
	report, err := e.orderReport(ctx, ack.OrderID)
	if err != nil {
		return result, err
	}
	result.Status = report.Status
	result.AveragePrice = report.AveragePrice
	return result, nil
}

// ModifyToMarketAndChase converts a resting order into an aggressive
// limit at the current LTP and chases it to completion. Used to flatten
// a leg that still has a protective stop-loss resting.
func (e *Engine) ModifyToMarketAndChase(
	ctx context.Context,
	orderID string,
	strike float64,
	optionType models.OptionType,
	txType models.TransactionType,
	quantity int,
	slippage float64,
) (models.OrderResult, error) {
	result := models.OrderResult{OrderID: orderID, EntryTime: time.Now(), Status: models.StatusPending}
	inst, err := e.mb.Instrument(strike, optionType)
	if err != nil {
		return result, err
	}
	ltp, err := e.mb.LTP(inst.TradingSymbol)
	if err != nil {
		return result, err
	}
	price := e.ChasePrice(ltp, txType, slippage, 0)
	if _, err := e.mb.ModifyOrder(ctx, inst, orderID, txType, quantity, price, 0); err != nil {
		return result, err
	}
	req := Request{
		Strike:          strike,
		OptionType:      optionType,
		TransactionType: txType,
		Quantity:        quantity,
		Slippage:        slippage,
	}
	return e.chase(ctx, inst, req, orderID, result)
}

// SquareOffAll flattens every open position visible through the
// dispatcher, chasing each closing order. market selects market orders
// instead of chased limits.
func (e *Engine) SquareOffAll(ctx context.Context, market bool) ([]models.OrderResult, error) {
	positions, err := e.mb.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]models.OrderResult, 0, len(positions))
	for _, pos := range positions {
		inst, err := e.mb.InstrumentBySymbol(pos.TradingSymbol)
		if err != nil {
			e.logger.Printf("%s: square off skipping %s: %v", e.mb.Username, pos.TradingSymbol, err)
			continue
		}
		txType := models.TransactionSell
		if pos.NetQty < 0 {
			txType = models.TransactionBuy
		}
		expected := inst.LastPrice
		if market {
			expected = 0
		}
		res, err := e.PlaceAndChase(ctx, Request{
			Strike:          inst.Strike,
			OptionType:      inst.InstrumentType,
			TransactionType: txType,
			Quantity:        int(math.Abs(float64(pos.NetQty))),
			ExpectedPrice:   expected,
			InitialSlippage: 10,
			Slippage:        5,
			MarketOrder:     market,
		})
		if err != nil {
			e.logger.Printf("%s: square off %s failed: %v", e.mb.Username, pos.TradingSymbol, err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
