package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OrderUpdate is an order lifecycle event from the user-data stream.
type OrderUpdate struct {
	Symbol      string
	OrderID     string
	ClientID    string
	Side        OrderSide
	Type        OrderType
	Status      string
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	ReduceOnly  bool
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	EventTime   time.Time
}

// AccountUpdate is a balance/position event from the user-data stream.
type AccountUpdate struct {
	WalletBalance decimal.Decimal
	Positions     []VenuePosition
	EventTime     time.Time
}

// StreamEvent is the fan-out unit; exactly one field is set.
type StreamEvent struct {
	Order   *OrderUpdate
	Account *AccountUpdate
}

// UserStream maintains the authenticated user-data WebSocket. It owns the
// listen key, keeps it alive, reconnects on failure, and fans events out
// to every subscriber. Slow subscribers drop events rather than block the
// read loop.
type UserStream struct {
	client *Client

	mu        sync.RWMutex
	conn      *websocket.Conn
	subs      []chan StreamEvent
	listenKey string
	running   bool
	lastEvent time.Time
	stopCh    chan struct{}
}

// NewUserStream builds the stream on top of an authenticated client.
func NewUserStream(client *Client) *UserStream {
	return &UserStream{
		client: client,
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a new event channel. Call before Start.
func (s *UserStream) Subscribe(buffer int) <-chan StreamEvent {
	ch := make(chan StreamEvent, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// LastEventTime reports when the stream last delivered anything.
// The supervisor uses it as a staleness heartbeat.
func (s *UserStream) LastEventTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}

// Start obtains a listen key and launches the read and keepalive loops.
func (s *UserStream) Start(ctx context.Context) error {
	if s.client.dryRun {
		log.Info().Msg("🧪 DRY RUN: user-data stream disabled")
		return nil
	}
	key, err := s.acquireListenKey(ctx)
	if err != nil {
		return fmt.Errorf("user stream: %w", err)
	}
	s.mu.Lock()
	s.listenKey = key
	s.running = true
	s.lastEvent = time.Now()
	s.mu.Unlock()

	go s.runWebSocket(ctx)
	go s.keepaliveLoop(ctx)

	log.Info().Msg("📡 User-data stream started")
	return nil
}

// Stop closes the stream and all subscriber channels.
func (s *UserStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range subs {
		close(ch)
	}
}

func (s *UserStream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *UserStream) runWebSocket(ctx context.Context) {
	for s.isRunning() {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("User stream connect failed")
			select {
			case <-time.After(5 * time.Second):
			case <-s.stopCh:
				return
			}
			continue
		}

		s.readMessages()

		if s.isRunning() {
			log.Warn().Msg("User stream disconnected, reconnecting...")
			// Listen keys expire; get a fresh one before redialing.
			if key, err := s.acquireListenKey(ctx); err == nil {
				s.mu.Lock()
				s.listenKey = key
				s.mu.Unlock()
			}
			select {
			case <-time.After(time.Second):
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *UserStream) connect() error {
	s.mu.RLock()
	url := fmt.Sprintf("%s/ws/%s", s.client.wsURL, s.listenKey)
	s.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Info().Msg("🔌 User-data WebSocket connected")
	return nil
}

func (s *UserStream) readMessages() {
	for s.isRunning() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				log.Error().Err(err).Msg("User stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *UserStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.keepaliveListenKey(ctx); err != nil {
				log.Warn().Err(err).Msg("Listen key keepalive failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *UserStream) acquireListenKey(ctx context.Context) (string, error) {
	resp, err := s.client.do(ctx, "listenKey", 1, func() (*resty.Response, error) {
		return s.client.http.R().SetContext(ctx).Post("/fapi/v1/listenKey")
	})
	if err != nil {
		return "", err
	}
	var raw struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return "", fmt.Errorf("listenKey: decode: %w", err)
	}
	return raw.ListenKey, nil
}

func (s *UserStream) keepaliveListenKey(ctx context.Context) error {
	_, err := s.client.do(ctx, "listenKeyKeepalive", 1, func() (*resty.Response, error) {
		return s.client.http.R().SetContext(ctx).Put("/fapi/v1/listenKey")
	})
	return err
}

func (s *UserStream) handleMessage(data []byte) {
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	s.mu.Lock()
	s.lastEvent = time.Now()
	s.mu.Unlock()

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(data, head.EventTime)
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(data, head.EventTime)
	case "listenKeyExpired":
		log.Warn().Msg("Listen key expired, forcing reconnect")
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}
}

func (s *UserStream) handleOrderUpdate(data []byte, eventTime int64) {
	var msg struct {
		Order struct {
			Symbol      string `json:"s"`
			ClientID    string `json:"c"`
			Side        string `json:"S"`
			Type        string `json:"o"`
			Status      string `json:"X"`
			OrderID     int64  `json:"i"`
			FilledQty   string `json:"z"`
			AvgPrice    string `json:"ap"`
			ReduceOnly  bool   `json:"R"`
			RealizedPnL string `json:"rp"`
			Commission  string `json:"n"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	o := msg.Order
	s.fanOut(StreamEvent{Order: &OrderUpdate{
		Symbol:      o.Symbol,
		OrderID:     fmt.Sprintf("%d", o.OrderID),
		ClientID:    o.ClientID,
		Side:        OrderSide(o.Side),
		Type:        OrderType(o.Type),
		Status:      o.Status,
		FilledQty:   ParseDecimal(o.FilledQty),
		AvgPrice:    ParseDecimal(o.AvgPrice),
		ReduceOnly:  o.ReduceOnly,
		RealizedPnL: ParseDecimal(o.RealizedPnL),
		Commission:  ParseDecimal(o.Commission),
		EventTime:   time.UnixMilli(eventTime),
	}})
}

func (s *UserStream) handleAccountUpdate(data []byte, eventTime int64) {
	var msg struct {
		Account struct {
			Balances []struct {
				Asset         string `json:"a"`
				WalletBalance string `json:"wb"`
			} `json:"B"`
			Positions []struct {
				Symbol        string `json:"s"`
				PositionAmt   string `json:"pa"`
				EntryPrice    string `json:"ep"`
				UnrealizedPnL string `json:"up"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	update := &AccountUpdate{EventTime: time.UnixMilli(eventTime)}
	for _, b := range msg.Account.Balances {
		if b.Asset == "USDT" {
			update.WalletBalance = ParseDecimal(b.WalletBalance)
		}
	}
	for _, p := range msg.Account.Positions {
		update.Positions = append(update.Positions, VenuePosition{
			Symbol:        p.Symbol,
			PositionAmt:   ParseDecimal(p.PositionAmt),
			EntryPrice:    ParseDecimal(p.EntryPrice),
			UnrealizedPnL: ParseDecimal(p.UnrealizedPnL),
		})
	}
	s.fanOut(StreamEvent{Account: update})
}

func (s *UserStream) fanOut(ev StreamEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop rather than stall the read loop
		}
	}
}
