package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trademaven/algoengine/internal/models"
)

const kiteBaseURL = "https://api.kite.trade"

// KiteClient talks to the Zerodha Kite Connect order API.
type KiteClient struct {
	client      *http.Client
	apiKey      string
	accessToken string
	baseURL     string
	timeout     time.Duration
}

// Ensure KiteClient implements API at compile time.
var _ API = (*KiteClient)(nil)

// NewKiteClient creates a Kite client. baseURL is overridable for tests;
// empty selects the production endpoint.
func NewKiteClient(apiKey, accessToken, baseURL string) *KiteClient {
	if baseURL == "" {
		baseURL = kiteBaseURL
	}
	timeout := 10 * time.Second
	return &KiteClient{
		client:      &http.Client{Timeout: timeout},
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		timeout:     timeout,
	}
}

// SetAccessToken replaces the session token after a refresh.
func (k *KiteClient) SetAccessToken(token string) { k.accessToken = token }

// InitiateSession verifies the current token against the user profile
// endpoint.
func (k *KiteClient) InitiateSession(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return k.do(ctx, http.MethodGet, "/user/profile", nil, &out)
}

type kiteOrderData struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder submits a regular order.
func (k *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	form := url.Values{}
	form.Set("tradingsymbol", req.TradingSymbol)
	form.Set("exchange", defaultString(req.Exchange, "NFO"))
	form.Set("transaction_type", string(req.TransactionType))
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("product", defaultString(req.Product, "NRML"))
	form.Set("validity", "DAY")
	if req.Price > 0 {
		form.Set("order_type", "LIMIT")
		form.Set("price", formatPrice(req.Price))
	} else {
		form.Set("order_type", "MARKET")
	}
	if req.TriggerPrice > 0 {
		form.Set("order_type", "SL")
		form.Set("trigger_price", formatPrice(req.TriggerPrice))
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	var data kiteOrderData
	if err := k.do(ctx, http.MethodPost, "/orders/regular", form, &data); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: data.OrderID, Message: "order placed"}, nil
}

// ModifyOrder reprices a resting order.
func (k *KiteClient) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderAck, error) {
	form := url.Values{}
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", "LIMIT")
	form.Set("price", formatPrice(req.Price))
	if req.TriggerPrice > 0 {
		form.Set("order_type", "SL")
		form.Set("trigger_price", formatPrice(req.TriggerPrice))
	}

	var data kiteOrderData
	path := "/orders/regular/" + url.PathEscape(req.OrderID)
	if err := k.do(ctx, http.MethodPut, path, form, &data); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: data.OrderID, Message: "order modified"}, nil
}

// CancelOrder cancels a resting order.
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	var data kiteOrderData
	path := "/orders/regular/" + url.PathEscape(orderID)
	if err := k.do(ctx, http.MethodDelete, path, nil, &data); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: data.OrderID, Message: "order cancelled"}, nil
}

type kiteOrderRow struct {
	OrderID           string  `json:"order_id"`
	Tradingsymbol     string  `json:"tradingsymbol"`
	Status            string  `json:"status"`
	StatusMessage     string  `json:"status_message"`
	Quantity          int     `json:"quantity"`
	PendingQuantity   int     `json:"pending_quantity"`
	FilledQuantity    int     `json:"filled_quantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"trigger_price"`
	AveragePrice      float64 `json:"average_price"`
}

// OrderReport returns the normalized status of the order. Kite reports
// the full order history; the last row is the current state.
func (k *KiteClient) OrderReport(ctx context.Context, orderID string) (*OrderReport, error) {
	var rows []kiteOrderRow
	path := "/orders/" + url.PathEscape(orderID)
	if err := k.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &TransientError{Err: fmt.Errorf("empty order history for %s", orderID)}
	}
	last := rows[len(rows)-1]
	return &OrderReport{
		OrderID:       last.OrderID,
		TradingSymbol: last.Tradingsymbol,
		Status:        normalizeKiteStatus(last.Status),
		Quantity:      last.Quantity,
		PendingQty:    last.PendingQuantity,
		FilledQty:     last.FilledQuantity,
		Price:         last.Price,
		TriggerPrice:  last.TriggerPrice,
		AveragePrice:  last.AveragePrice,
		ErrorMessage:  last.StatusMessage,
	}, nil
}

// Positions returns today's net positions.
func (k *KiteClient) Positions(ctx context.Context) ([]PositionItem, error) {
	var data struct {
		Net []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			BuyQuantity   int     `json:"buy_quantity"`
			SellQuantity  int     `json:"sell_quantity"`
			BuyValue      float64 `json:"buy_value"`
			SellValue     float64 `json:"sell_value"`
		} `json:"net"`
	}
	if err := k.do(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, err
	}
	items := make([]PositionItem, 0, len(data.Net))
	for _, row := range data.Net {
		items = append(items, PositionItem{
			TradingSymbol: row.Tradingsymbol,
			BuyQty:        row.BuyQuantity,
			SellQty:       row.SellQuantity,
			NetQty:        row.BuyQuantity - row.SellQuantity,
			BuyValue:      row.BuyValue,
			SellValue:     row.SellValue,
		})
	}
	return items, nil
}

// Margin returns the equity segment margin.
func (k *KiteClient) Margin(ctx context.Context) (*Margin, error) {
	var data struct {
		Equity struct {
			Net       float64 `json:"net"`
			Utilised  struct {
				Debits float64 `json:"debits"`
			} `json:"utilised"`
		} `json:"equity"`
	}
	if err := k.do(ctx, http.MethodGet, "/user/margins", nil, &data); err != nil {
		return nil, err
	}
	return &Margin{Available: data.Equity.Net, Utilized: data.Equity.Utilised.Debits}, nil
}

// do performs one authenticated request and decodes the enveloped
// response into out.
func (k *KiteClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return mapHTTPError(&APIError{Status: resp.StatusCode, Body: string(raw)})
	}

	var envelope struct {
		Status    string          `json:"status"`
		Message   string          `json:"message"`
		ErrorType string          `json:"error_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &TransientError{Err: err}
	}
	if envelope.Status == "error" {
		if envelope.ErrorType == "TokenException" {
			return ErrSessionExpired
		}
		if envelope.ErrorType == "NetworkException" {
			return ErrRateLimited
		}
		return &RejectionError{Reason: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &TransientError{Err: err}
		}
	}
	return nil
}

func normalizeKiteStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE", "COMPLETED":
		return models.StatusCompleted
	case "CANCELLED", "CANCELLED AMO":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	case "OPEN":
		return models.StatusOpen
	case "TRIGGER PENDING":
		return models.StatusTrigger
	default:
		return models.StatusPending
	}
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
