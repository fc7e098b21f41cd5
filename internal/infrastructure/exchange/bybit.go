package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/spot"
)

// BybitGateway is the live PriceSource and OrderGateway backed by the Bybit v5 REST API.
type BybitGateway struct {
	apiKey      string
	apiSecret   string
	baseURL     string
	category    string
	accountType string
	client      *http.Client
	logger      *zap.Logger
}

func NewBybitGateway(apiKey, apiSecret, baseURL, category string, logger *zap.Logger) *BybitGateway {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if category == "" {
		category = "spot"
	}
	return &BybitGateway{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		baseURL:     baseURL,
		category:    category,
		accountType: "UNIFIED",
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// --- REST API ---

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitGateway) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest signs and sends a request. For GET the query string is signed,
// for POST the JSON body. A non-zero retCode is returned as an error.
func (b *BybitGateway) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]interface{}) (json.RawMessage, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string
	target := b.baseURL + path

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if len(query) > 0 {
		paramsStr = query.Encode()
		target += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	var env bybitEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func (b *BybitGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{"category": {b.category}, "symbol": {symbol}}
	result, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/tickers", query, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker %s: %w", symbol, err)
	}

	var tickers struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, fmt.Errorf("symbol not found: %s", symbol)
	}

	return strconv.ParseFloat(tickers.List[0].LastPrice, 64)
}

func (b *BybitGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	side := "Buy"
	if req.Side == domain.SideSell {
		side = "Sell"
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = "Limit"
	}

	payload := map[string]interface{}{
		"category":    b.category,
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   orderType,
		"qty":         strconv.FormatInt(req.Quantity, 10),
		"timeInForce": "GTC",
		"orderLinkId": req.ClientOrderID,
	}
	if orderType == "Limit" {
		payload["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	result, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("bybit order error: %w", err)
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, err
	}

	b.logger.Info("Bybit order created",
		zap.String("symbol", req.Symbol),
		zap.String("side", side),
		zap.String("order_id", created.OrderID),
		zap.String("order_link_id", created.OrderLinkID))

	// The create call only acknowledges; ask once for the fill state.
	ack, err := b.GetOrderStatus(ctx, created.OrderID)
	if err != nil {
		b.logger.Warn("Order status unavailable after create, treating as open",
			zap.String("order_id", created.OrderID), zap.Error(err))
		return &domain.OrderAck{OrderID: created.OrderID, Status: domain.OrderOpen}, nil
	}
	return ack, nil
}

func (b *BybitGateway) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderAck, error) {
	query := url.Values{"category": {b.category}, "orderId": {orderID}}
	result, err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}

	var orders struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderStatus  string `json:"orderStatus"`
			AvgPrice     string `json:"avgPrice"`
			RejectReason string `json:"rejectReason"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &orders); err != nil {
		return nil, err
	}
	if len(orders.List) == 0 {
		return &domain.OrderAck{OrderID: orderID, Status: domain.OrderOpen, Message: "order not visible yet"}, nil
	}

	raw := orders.List[0]
	avg, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	ack := &domain.OrderAck{
		OrderID:      raw.OrderID,
		Status:       mapOrderStatus(raw.OrderStatus),
		AveragePrice: avg,
	}
	if raw.RejectReason != "" && raw.RejectReason != "EC_NoError" {
		ack.Message = raw.RejectReason
	}
	return ack, nil
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "Filled":
		return domain.OrderComplete
	case "Rejected":
		return domain.OrderRejected
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderCancelled
	}
	// New, PartiallyFilled, Untriggered, Triggered
	return domain.OrderOpen
}

// GetMargin returns the available balance of the unified account.
func (b *BybitGateway) GetMargin(ctx context.Context) (float64, error) {
	query := url.Values{"accountType": {b.accountType}}
	result, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance: %w", err)
	}

	var wallet struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &wallet); err != nil {
		return 0, err
	}
	if len(wallet.List) == 0 {
		return 0, fmt.Errorf("no %s account in wallet response", b.accountType)
	}
	return strconv.ParseFloat(wallet.List[0].TotalAvailableBalance, 64)
}

// GetBrokerage estimates the taker fee of an order from the account fee rate.
func (b *BybitGateway) GetBrokerage(ctx context.Context, side domain.OrderSide, price float64, quantity int64) (float64, error) {
	query := url.Values{"category": {b.category}}
	result, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/fee-rate", query, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get fee rate: %w", err)
	}

	var rates struct {
		List []struct {
			Symbol       string `json:"symbol"`
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &rates); err != nil {
		return 0, err
	}
	if len(rates.List) == 0 {
		return 0, fmt.Errorf("no fee rate returned")
	}
	rate, err := strconv.ParseFloat(rates.List[0].TakerFeeRate, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fee rate %q: %w", rates.List[0].TakerFeeRate, err)
	}
	return rate * price * float64(quantity), nil
}
