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

const kotakNeoBaseURL = "https://gw-napi.kotaksecurities.com"

// Kotak Neo wire codes.
var (
	kotakNeoTransaction = map[models.TransactionType]string{
		models.TransactionBuy:  "B",
		models.TransactionSell: "S",
	}
)

// KotakNeoClient talks to the Kotak Neo order API. Requests carry a
// form-encoded jData payload; responses are status-enveloped JSON.
type KotakNeoClient struct {
	client     *http.Client
	baseURL    string
	authToken  string
	sid        string
	auth       string
	serverID   string
	consumerID string
}

// Ensure KotakNeoClient implements API at compile time.
var _ API = (*KotakNeoClient)(nil)

// KotakNeoSession is the credential set a session runs on.
type KotakNeoSession struct {
	AccessToken string
	SID         string
	Auth        string
	HSServerID  string
	ConsumerKey string
}

// NewKotakNeoClient creates a Kotak Neo client. baseURL is overridable
// for tests; empty selects the production endpoint.
func NewKotakNeoClient(sess KotakNeoSession, baseURL string) *KotakNeoClient {
	if baseURL == "" {
		baseURL = kotakNeoBaseURL
	}
	return &KotakNeoClient{
		client:     &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  sess.AccessToken,
		sid:        sess.SID,
		auth:       sess.Auth,
		serverID:   sess.HSServerID,
		consumerID: sess.ConsumerKey,
	}
}

// SetSession replaces the credential set after a refresh.
func (c *KotakNeoClient) SetSession(sess KotakNeoSession) {
	c.authToken = sess.AccessToken
	c.sid = sess.SID
	c.auth = sess.Auth
	c.serverID = sess.HSServerID
	c.consumerID = sess.ConsumerKey
}

// InitiateSession validates the current token with a limits probe.
func (c *KotakNeoClient) InitiateSession(ctx context.Context) error {
	_, err := c.Margin(ctx)
	return err
}

// PlaceOrder submits an order through the quick-order endpoint.
func (c *KotakNeoClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	payload := map[string]string{
		"ts": req.TradingSymbol,
		"qt": strconv.Itoa(req.Quantity),
		"tt": kotakNeoTransaction[req.TransactionType],
		"pr": formatPrice(req.Price),
		"pt": priceType(req.Price, req.TriggerPrice),
		"es": "nse_fo",
		"pc": defaultString(req.Product, "NRML"),
		"rt": "DAY",
	}
	if req.TriggerPrice > 0 {
		payload["tp"] = formatPrice(req.TriggerPrice)
	}
	var out struct {
		OrderID string `json:"nOrdNo"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/order/rule/ms/place?sId="+c.serverID, payload, &out); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: out.OrderID, Message: "order placed"}, nil
}

// ModifyOrder reprices a resting order.
func (c *KotakNeoClient) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderAck, error) {
	payload := map[string]string{
		"no": req.OrderID,
		"tk": req.ExchangeToken,
		"ts": req.TradingSymbol,
		"qt": strconv.Itoa(req.Quantity),
		"tt": kotakNeoTransaction[req.TransactionType],
		"pr": formatPrice(req.Price),
		"pt": priceType(req.Price, req.TriggerPrice),
		"es": "nse_fo",
		"pc": "NRML",
		"vd": "DAY",
	}
	if req.TriggerPrice > 0 {
		payload["tp"] = formatPrice(req.TriggerPrice)
	}
	var out struct {
		OrderID string `json:"nOrdNo"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/order/vr/modify?sId="+c.serverID, payload, &out); err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		out.OrderID = req.OrderID
	}
	return &OrderAck{OrderID: out.OrderID, Message: "order modified"}, nil
}

// CancelOrder cancels a resting order.
func (c *KotakNeoClient) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	payload := map[string]string{"on": orderID}
	var out struct {
		Result string `json:"result"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/order/cancel?sId="+c.serverID, payload, &out); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: orderID, Message: "order cancelled"}, nil
}

// OrderReport returns the normalized status of the order.
func (c *KotakNeoClient) OrderReport(ctx context.Context, orderID string) (*OrderReport, error) {
	payload := map[string]string{"nOrdNo": orderID}
	var out struct {
		Data []struct {
			OrderID      string `json:"nOrdNo"`
			Symbol       string `json:"trdSym"`
			Status       string `json:"ordSt"`
			Quantity     int    `json:"qty"`
			FilledQty    int    `json:"fldQty"`
			UnfilledQty  int    `json:"unFldSz"`
			Price        string `json:"prc"`
			TriggerPrice string `json:"trgPrc"`
			AvgPrice     string `json:"avgPrc"`
			Rejection    string `json:"rejRsn"`
		} `json:"data"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/order/history?sId="+c.serverID, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &TransientError{Err: fmt.Errorf("empty order history for %s", orderID)}
	}
	row := out.Data[0]
	return &OrderReport{
		OrderID:       row.OrderID,
		TradingSymbol: row.Symbol,
		Status:        normalizeKotakStatus(row.Status),
		Quantity:      row.Quantity,
		PendingQty:    row.UnfilledQty,
		FilledQty:     row.FilledQty,
		Price:         parsePrice(row.Price),
		TriggerPrice:  parsePrice(row.TriggerPrice),
		AveragePrice:  parsePrice(row.AvgPrice),
		ErrorMessage:  row.Rejection,
	}, nil
}

// Positions returns today's net positions.
func (c *KotakNeoClient) Positions(ctx context.Context) ([]PositionItem, error) {
	var out struct {
		Data []struct {
			Symbol    string `json:"trdSym"`
			BuyQty    string `json:"flBuyQty"`
			SellQty   string `json:"flSellQty"`
			BuyValue  string `json:"buyAmt"`
			SellValue string `json:"sellAmt"`
		} `json:"data"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/user/positions?sId="+c.serverID, nil, &out); err != nil {
		return nil, err
	}
	items := make([]PositionItem, 0, len(out.Data))
	for _, row := range out.Data {
		buy, _ := strconv.Atoi(row.BuyQty)
		sell, _ := strconv.Atoi(row.SellQty)
		items = append(items, PositionItem{
			TradingSymbol: row.Symbol,
			BuyQty:        buy,
			SellQty:       sell,
			NetQty:        buy - sell,
			BuyValue:      parsePrice(row.BuyValue),
			SellValue:     parsePrice(row.SellValue),
		})
	}
	return items, nil
}

// Margin returns the available limits.
func (c *KotakNeoClient) Margin(ctx context.Context) (*Margin, error) {
	payload := map[string]string{"seg": "ALL", "exch": "ALL", "prod": "ALL"}
	var out struct {
		Net      string `json:"Net"`
		Utilized string `json:"MarginUsed"`
	}
	if err := c.do(ctx, "/Orders/2.0/quick/user/limits?sId="+c.serverID, payload, &out); err != nil {
		return nil, err
	}
	return &Margin{Available: parsePrice(out.Net), Utilized: parsePrice(out.Utilized)}, nil
}

// do posts a jData form payload and decodes the response into out.
func (c *KotakNeoClient) do(ctx context.Context, path string, payload map[string]string, out any) error {
	var body io.Reader
	if payload != nil {
		jData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding jData: %w", err)
		}
		form := url.Values{}
		form.Set("jData", string(jData))
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Sid", c.sid)
	req.Header.Set("Auth", c.auth)
	req.Header.Set("neo-fin-key", c.consumerID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
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

	var probe struct {
		Stat   string `json:"stat"`
		ErrMsg string `json:"errMsg"`
		Code   int    `json:"code"`
	}
	// stat is absent on some success payloads; only a definite Not_Ok is
	// treated as an error envelope.
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Stat == "Not_Ok" {
		switch probe.Code {
		case 429, 40000:
			return ErrRateLimited
		case 401:
			return ErrSessionExpired
		default:
			return &RejectionError{Reason: probe.ErrMsg}
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &TransientError{Err: err}
		}
	}
	return nil
}

func normalizeKotakStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "complete", "completed":
		return models.StatusCompleted
	case "cancelled", "cancel":
		return models.StatusCancelled
	case "rejected":
		return models.StatusRejected
	case "open":
		return models.StatusOpen
	case "trigger pending":
		return models.StatusTrigger
	default:
		return models.StatusPending
	}
}

func priceType(price, trigger float64) string {
	if trigger > 0 {
		return "SL"
	}
	if price > 0 {
		return "L"
	}
	return "MKT"
}

func parsePrice(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
