package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

type tick struct {
	price float64
	at    time.Time
}

// TickerStream keeps the last traded price of subscribed symbols from the
// public tickers channel. GetPrice serves the cached price while it is younger
// than maxAge and asks the fallback source otherwise.
type TickerStream struct {
	wsURL    string
	fallback domain.PriceSource
	maxAge   time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	prices  map[string]tick
	now     func() time.Time
	writeMu sync.Mutex
}

func NewTickerStream(wsURL string, fallback domain.PriceSource, maxAge time.Duration, logger *zap.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &TickerStream{
		wsURL:    wsURL,
		fallback: fallback,
		maxAge:   maxAge,
		logger:   logger,
		prices:   make(map[string]tick),
		now:      time.Now,
	}
}

func (s *TickerStream) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	t, ok := s.prices[symbol]
	s.mu.RUnlock()

	if ok && s.now().Sub(t.at) <= s.maxAge {
		return t.price, nil
	}
	if s.fallback == nil {
		return 0, fmt.Errorf("no fresh price for %s", symbol)
	}
	return s.fallback.GetPrice(ctx, symbol)
}

// Run connects, subscribes and reads until ctx is done, reconnecting with
// exponential backoff when the connection drops.
func (s *TickerStream) Run(ctx context.Context, symbols []string) error {
	attempt := 0
	for {
		connected, err := s.session(ctx, symbols)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		delay := reconnectDelay(attempt)
		attempt++
		s.logger.Warn("Ticker stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	const base, limit = time.Second, time.Minute
	if attempt > 6 {
		return limit
	}
	d := base << attempt
	if d > limit {
		return limit
	}
	return d
}

// session reports whether it got as far as a subscribed connection.
func (s *TickerStream) session(ctx context.Context, symbols []string) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", s.wsURL, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	if err := s.subscribe(conn, symbols); err != nil {
		return false, err
	}
	s.logger.Info("Ticker stream connected", zap.Strings("symbols", symbols))

	go s.pingLoop(conn, done)
	return true, s.readLoop(conn)
}

func (s *TickerStream) subscribe(conn *websocket.Conn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, sym := range symbols {
		args[i] = "tickers." + sym
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(subMsg)
}

// pingLoop keeps the connection alive; Bybit drops idle sockets after 10 minutes.
func (s *TickerStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"op": "ping"})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *TickerStream) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *TickerStream) handleMessage(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
		TS int64 `json:"ts"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Debug("WS unmarshal error", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, "tickers.") || event.Data.LastPrice == "" {
		return
	}

	symbol := event.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(event.Topic, "tickers.")
	}
	price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	s.mu.Lock()
	s.prices[symbol] = tick{price: price, at: s.now()}
	s.mu.Unlock()
}
