package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
)

// RetryConfig bounds the automatic retry on rate-limit errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is used when no override is given.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// MultiBroker dispatches a single user's calls to their active broker
// backend. It resolves logical instruments through the market store,
// applies slippage, refreshes stale sessions from the credential store,
// and absorbs rate-limit errors with a bounded retry.
type MultiBroker struct {
	Username   string
	BrokerName string

	api    API
	creds  CredentialStore
	market *market.Data
	logger *log.Logger
	retry  RetryConfig
}

// NewMultiBroker resolves user's active broker and builds its backend
// client wrapped in a circuit breaker. ErrNoActiveBroker aborts the
// user's participation.
func NewMultiBroker(
	user string,
	creds CredentialStore,
	mkt *market.Data,
	logger *log.Logger,
	retryCfg ...RetryConfig,
) (*MultiBroker, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "broker: ", log.LstdFlags)
	}
	cred, err := creds.Lookup(user)
	if err != nil {
		return nil, err
	}

	api, err := buildClient(cred)
	if err != nil {
		return nil, err
	}

	cfg := DefaultRetryConfig
	if len(retryCfg) > 0 {
		cfg = retryCfg[0]
	}

	return &MultiBroker{
		Username:   user,
		BrokerName: cred.Broker,
		api:        api,
		creds:      creds,
		market:     mkt,
		logger:     logger,
		retry:      cfg,
	}, nil
}

// NewMultiBrokerWithAPI builds a dispatcher around a pre-built backend;
// used by tests and the paper-trading path.
func NewMultiBrokerWithAPI(user, brokerName string, api API, mkt *market.Data, logger *log.Logger) *MultiBroker {
	if logger == nil {
		logger = log.New(os.Stderr, "broker: ", log.LstdFlags)
	}
	return &MultiBroker{
		Username:   user,
		BrokerName: brokerName,
		api:        api,
		creds:      &StaticCredentialStore{},
		market:     mkt,
		logger:     logger,
		retry:      DefaultRetryConfig,
	}
}

func buildClient(cred *Credential) (API, error) {
	switch cred.Broker {
	case NameKite:
		client := NewKiteClient(cred.APIKey, cred.AccessToken, "")
		return NewCircuitBreakerAPI(client, "kite:"+cred.User), nil
	case NameKotakNeo, NameKotakSec:
		client := NewKotakNeoClient(KotakNeoSession{
			AccessToken: cred.AccessToken,
			SID:         cred.SID,
			Auth:        cred.Auth,
			HSServerID:  cred.HSServerID,
			ConsumerKey: cred.ConsumerKey,
		}, "")
		return NewCircuitBreakerAPI(client, "kotak:"+cred.User), nil
	case NameDummy:
		return NewDummyClient(), nil
	default:
		return nil, fmt.Errorf("%w: unknown broker %q", ErrNoActiveBroker, cred.Broker)
	}
}

// InitiateSession refreshes credentials from the store and validates
// the session. Stale tokens rotated by the credential system become
// effective here without caller involvement.
func (m *MultiBroker) InitiateSession(ctx context.Context) error {
	if m.BrokerName == NameDummy {
		return nil
	}
	if err := m.creds.Reload(); err != nil {
		return fmt.Errorf("refreshing credentials: %w", err)
	}
	cred, err := m.creds.Lookup(m.Username)
	if err != nil {
		return err
	}
	m.applyCredential(cred)
	return m.api.InitiateSession(ctx)
}

func (m *MultiBroker) applyCredential(cred *Credential) {
	type kiteTokenSetter interface{ SetAccessToken(string) }
	type kotakSessionSetter interface{ SetSession(KotakNeoSession) }

	api := m.api
	if cb, ok := api.(*CircuitBreakerAPI); ok {
		api = cb.api
	}
	switch c := api.(type) {
	case kiteTokenSetter:
		c.SetAccessToken(cred.AccessToken)
	case kotakSessionSetter:
		c.SetSession(KotakNeoSession{
			AccessToken: cred.AccessToken,
			SID:         cred.SID,
			Auth:        cred.Auth,
			HSServerID:  cred.HSServerID,
			ConsumerKey: cred.ConsumerKey,
		})
	}
}

// Instrument resolves (strike, optionType) against the current chain
// snapshot.
func (m *MultiBroker) Instrument(strike float64, optionType models.OptionType) (models.Instrument, error) {
	row, ok := m.market.Chain().ByStrike(strike, optionType)
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %.0f%s", ErrInstrumentNotFound, strike, optionType)
	}
	return row, nil
}

// InstrumentBySymbol resolves a tradingsymbol against the current chain
// snapshot.
func (m *MultiBroker) InstrumentBySymbol(tradingsymbol string) (models.Instrument, error) {
	row, ok := m.market.Chain().BySymbol(tradingsymbol)
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, tradingsymbol)
	}
	return row, nil
}

// LTP returns the last traded price for the instrument.
func (m *MultiBroker) LTP(tradingsymbol string) (float64, error) {
	row, err := m.InstrumentBySymbol(tradingsymbol)
	if err != nil {
		return 0, err
	}
	return row.LastPrice, nil
}

// ApplySlippage worsens price by slippage in the fill-probability
// direction: buys pay up, sells give way.
func ApplySlippage(price float64, txType models.TransactionType, slippage float64) float64 {
	if price == 0 || slippage == 0 {
		return price
	}
	if txType == models.TransactionBuy {
		return price + slippage
	}
	return price - slippage
}

// PlaceOrder resolves the instrument and places a broker-native order
// with slippage applied to the limit price.
func (m *MultiBroker) PlaceOrder(
	ctx context.Context,
	inst models.Instrument,
	txType models.TransactionType,
	quantity int,
	expectedPrice float64,
	slippage float64,
) (*OrderAck, error) {
	price := ApplySlippage(expectedPrice, txType, slippage)
	req := OrderRequest{
		TradingSymbol:   inst.TradingSymbol,
		ExchangeToken:   inst.ExchangeToken,
		Exchange:        "NFO",
		TransactionType: txType,
		Quantity:        quantity,
		Price:           price,
		Product:         "NRML",
	}
	return callWithRetry(ctx, m, func(ctx context.Context) (*OrderAck, error) {
		return m.api.PlaceOrder(ctx, req)
	})
}

// PlaceStopLossOrder places a stop-loss buy with the trigger at
// expectedPrice and the limit slippage points beyond it.
func (m *MultiBroker) PlaceStopLossOrder(
	ctx context.Context,
	inst models.Instrument,
	txType models.TransactionType,
	quantity int,
	triggerPrice float64,
	slippage float64,
) (*OrderAck, error) {
	req := OrderRequest{
		TradingSymbol:   inst.TradingSymbol,
		ExchangeToken:   inst.ExchangeToken,
		Exchange:        "NFO",
		TransactionType: txType,
		Quantity:        quantity,
		Price:           ApplySlippage(triggerPrice, txType, slippage),
		TriggerPrice:    triggerPrice,
		Product:         "NRML",
	}
	return callWithRetry(ctx, m, func(ctx context.Context) (*OrderAck, error) {
		return m.api.PlaceOrder(ctx, req)
	})
}

// ModifyOrder reprices a resting order for the remaining quantity.
func (m *MultiBroker) ModifyOrder(
	ctx context.Context,
	inst models.Instrument,
	orderID string,
	txType models.TransactionType,
	quantity int,
	price float64,
	triggerPrice float64,
) (*OrderAck, error) {
	req := ModifyRequest{
		OrderID:         orderID,
		TradingSymbol:   inst.TradingSymbol,
		ExchangeToken:   inst.ExchangeToken,
		TransactionType: txType,
		Quantity:        quantity,
		Price:           price,
		TriggerPrice:    triggerPrice,
	}
	return callWithRetry(ctx, m, func(ctx context.Context) (*OrderAck, error) {
		return m.api.ModifyOrder(ctx, req)
	})
}

// CancelOrder cancels a resting order.
func (m *MultiBroker) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	return callWithRetry(ctx, m, func(ctx context.Context) (*OrderAck, error) {
		return m.api.CancelOrder(ctx, orderID)
	})
}

// OrderReport fetches the normalized status of an order.
func (m *MultiBroker) OrderReport(ctx context.Context, orderID string) (*OrderReport, error) {
	return callWithRetry(ctx, m, func(ctx context.Context) (*OrderReport, error) {
		return m.api.OrderReport(ctx, orderID)
	})
}

// OpenPositions returns the non-flat positions restricted to
// instruments present in the current chain snapshot.
func (m *MultiBroker) OpenPositions(ctx context.Context) ([]PositionItem, error) {
	all, err := callWithRetry(ctx, m, func(ctx context.Context) ([]PositionItem, error) {
		return m.api.Positions(ctx)
	})
	if err != nil {
		return nil, err
	}
	chain := m.market.Chain()
	var open []PositionItem
	for _, row := range all {
		if row.NetQty == 0 {
			continue
		}
		if _, ok := chain.BySymbol(row.TradingSymbol); !ok {
			continue
		}
		open = append(open, row)
	}
	return open, nil
}

// Margin returns the available margin.
func (m *MultiBroker) Margin(ctx context.Context) (*Margin, error) {
	return callWithRetry(ctx, m, func(ctx context.Context) (*Margin, error) {
		return m.api.Margin(ctx)
	})
}

// callWithRetry applies the dispatch-level failure policy: rate limits
// are retried with backoff and never surface, a stale session is
// refreshed and retried once, a transient failure gets one retry.
// Rejections and everything else propagate to the caller.
func callWithRetry[T any](ctx context.Context, m *MultiBroker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := m.retry.InitialBackoff
	sessionRetried := false
	transientRetried := false

	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		switch {
		case IsRateLimited(err):
			if attempt >= m.retry.MaxRetries {
				return zero, fmt.Errorf("rate limited after %d retries: %w", attempt, err)
			}
			m.logger.Printf("%s: rate limited, retrying in %v", m.Username, backoff)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.retry.MaxBackoff {
				backoff = m.retry.MaxBackoff
			}

		case errors.Is(err, ErrSessionExpired):
			if sessionRetried {
				return zero, err
			}
			sessionRetried = true
			m.logger.Printf("%s: session expired, refreshing", m.Username)
			if serr := m.InitiateSession(ctx); serr != nil {
				return zero, fmt.Errorf("session refresh failed: %w", serr)
			}

		case IsTransient(err) && !transientRetried:
			transientRetried = true
			m.logger.Printf("%s: transient broker failure, retrying once: %v", m.Username, err)

		default:
			return zero, err
		}
	}
}
