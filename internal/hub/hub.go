// Package hub multiplexes one upstream venue websocket across any number of
// in-process subscribers.
//
// Subscriptions are ref-counted by canonical key (trades:BTC, l2Book:BTC,
// candle:BTC:1h): the first subscriber for a key triggers the upstream
// subscribe, the last Close triggers the unsubscribe. The connection
// auto-reconnects with exponential backoff (1s doubling to a cap) and
// replays every live subscription exactly once per key on reconnect.
//
// Each subscriber owns a bounded frame channel. A slow subscriber never
// blocks the read loop: frames that do not fit are dropped and logged.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hyperagent/internal/config"
	"hyperagent/pkg/types"
)

const (
	readTimeout  = 90 * time.Second // ~2 missed pongs triggers reconnect
	writeTimeout = 10 * time.Second
)

// Subscription is one downstream consumer of a canonical key. Frames are
// delivered with the decoration the subscriber asked with.
type Subscription struct {
	key    string
	symbol string // as requested, decoration preserved
	ch     chan types.Frame
	hub    *Hub
	once   sync.Once
}

// Frames returns the subscriber's frame channel.
func (s *Subscription) Frames() <-chan types.Frame { return s.ch }

// Close releases the subscription. When it was the last holder of its key
// the upstream subscription is torn down. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.release(s) })
}

// topic is the upstream side of one canonical key.
type topic struct {
	channel  types.ChannelType
	coin     string
	interval string
	subs     map[*Subscription]struct{}
}

// Hub owns the single upstream websocket connection.
type Hub struct {
	url          string
	queueSize    int
	maxBackoff   time.Duration
	pingInterval time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	mu     sync.Mutex
	topics map[string]*topic

	mirror *Mirror
	logger *slog.Logger
}

// New creates a hub for the given venue websocket URL.
func New(wsURL string, cfg config.HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		url:          wsURL,
		queueSize:    cfg.SubscriberQueue,
		maxBackoff:   cfg.MaxReconnectWait,
		pingInterval: cfg.PingInterval,
		topics:       make(map[string]*topic),
		mirror:       NewMirror(),
		logger:       logger.With("component", "hub"),
	}
}

// Books returns the shared top-of-book mirror, updated from every l2Book
// frame regardless of who subscribed it.
func (h *Hub) Books() *Mirror { return h.mirror }

// Subscribe registers interest in one channel for a symbol. interval is
// required for candle subscriptions and ignored otherwise.
func (h *Hub) Subscribe(channel types.ChannelType, symbol, interval string) (*Subscription, error) {
	if channel == types.ChannelCandle && interval == "" {
		return nil, fmt.Errorf("candle subscription requires an interval: %w", types.ErrInvalidParams)
	}

	coin := BareCoin(symbol)
	key := Key(channel, coin, interval)

	sub := &Subscription{
		key:    key,
		symbol: symbol,
		ch:     make(chan types.Frame, h.queueSize),
		hub:    h,
	}

	h.mu.Lock()
	t, exists := h.topics[key]
	if !exists {
		t = &topic{
			channel:  channel,
			coin:     coin,
			interval: interval,
			subs:     make(map[*Subscription]struct{}),
		}
		h.topics[key] = t
	}
	t.subs[sub] = struct{}{}
	h.mu.Unlock()

	if !exists {
		// First holder: open the upstream leg. A write failure here is not
		// fatal; reconnect replays every live topic.
		if err := h.sendControl("subscribe", t); err != nil {
			h.logger.Debug("deferred upstream subscribe", "key", key, "error", err)
		}
	}

	h.logger.Info("subscribed", "key", key, "symbol", symbol)
	return sub, nil
}

func (h *Hub) release(sub *Subscription) {
	h.mu.Lock()
	t, ok := h.topics[sub.key]
	if ok {
		delete(t.subs, sub)
		if len(t.subs) == 0 {
			delete(h.topics, sub.key)
		} else {
			t = nil // key still held, no upstream change
		}
	}
	// Closed under the same lock publish sends under, so a dispatch can
	// never hit a closed channel.
	close(sub.ch)
	h.mu.Unlock()

	if t != nil && ok {
		if err := h.sendControl("unsubscribe", t); err != nil {
			h.logger.Debug("upstream unsubscribe skipped", "key", sub.key, "error", err)
		}
		h.logger.Info("unsubscribed upstream", "key", sub.key)
	}
}

// Run connects and maintains the upstream connection until ctx is
// cancelled. Reconnects with exponential backoff, 1s doubling to the cap.
func (h *Hub) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		connectedAt := time.Now()
		err := h.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(connectedAt) > time.Minute {
			backoff = time.Second
		}

		h.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > h.maxBackoff {
			backoff = h.maxBackoff
		}
	}
}

// Close tears down the current connection. Run's read loop then returns
// and, if its context is still live, reconnects.
func (h *Hub) Close() error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

func (h *Hub) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	defer func() {
		h.connMu.Lock()
		conn.Close()
		h.conn = nil
		h.connMu.Unlock()
	}()

	if err := h.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	h.logger.Info("upstream connected", "url", h.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go h.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		h.dispatch(msg)
	}
}

// resubscribeAll replays one upstream subscribe per live key.
func (h *Hub) resubscribeAll() error {
	h.mu.Lock()
	replay := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		replay = append(replay, t)
	}
	h.mu.Unlock()

	for _, t := range replay {
		if err := h.sendControl("subscribe", t); err != nil {
			return err
		}
	}
	return nil
}

type wsSubscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin"`
	Interval string `json:"interval,omitempty"`
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

func (h *Hub) sendControl(method string, t *topic) error {
	return h.writeJSON(wsRequest{
		Method: method,
		Subscription: &wsSubscription{
			Type:     string(t.channel),
			Coin:     t.coin,
			Interval: t.interval,
		},
	})
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeJSON(wsRequest{Method: "ping"}); err != nil {
				h.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) writeJSON(v any) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(v)
}

// ————————————————————————————————————————————————————————————————————————
// Inbound dispatch
// ————————————————————————————————————————————————————————————————————————

func (h *Hub) dispatch(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case string(types.ChannelTrades):
		var wire []types.WireTrade
		if err := json.Unmarshal(envelope.Data, &wire); err != nil {
			h.logger.Error("unmarshal trades", "error", err)
			return
		}
		for _, wt := range wire {
			trade := decodeTrade(wt)
			h.publish(Key(types.ChannelTrades, wt.Coin, ""), func(symbol string) types.Frame {
				t := trade
				t.Symbol = symbol
				return types.Frame{Type: types.FrameTrade, Trade: &t}
			})
		}

	case string(types.ChannelBook):
		var wire types.WireBook
		if err := json.Unmarshal(envelope.Data, &wire); err != nil {
			h.logger.Error("unmarshal l2Book", "error", err)
			return
		}
		book := decodeBook(wire)
		h.mirror.Apply(book)
		h.publish(Key(types.ChannelBook, wire.Coin, ""), func(symbol string) types.Frame {
			b := book
			b.Symbol = symbol
			return types.Frame{Type: types.FrameBook, Book: &b}
		})

	case string(types.ChannelCandle):
		var wire types.WireCandle
		if err := json.Unmarshal(envelope.Data, &wire); err != nil {
			h.logger.Error("unmarshal candle", "error", err)
			return
		}
		candle := decodeCandle(wire)
		h.publish(Key(types.ChannelCandle, wire.Symbol, wire.Interval), func(symbol string) types.Frame {
			c := candle
			c.Symbol = symbol
			return types.Frame{Type: types.FrameCandle, Candle: &c}
		})

	case "subscriptionResponse", "pong":
		h.logger.Debug("control message", "channel", envelope.Channel)

	default:
		h.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

// publish fans one event out to every subscriber of the key. build makes
// the frame per subscriber so each sees its own symbol decoration. The
// sends happen under h.mu: they are non-blocking, and holding the lock is
// what keeps a concurrent Close from closing a channel mid-send.
func (h *Hub) publish(key string, build func(symbol string) types.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[key]
	if !ok {
		return
	}
	for sub := range t.subs {
		select {
		case sub.ch <- build(sub.symbol):
		default:
			h.logger.Warn("subscriber queue full, dropping frame",
				"key", key, "symbol", sub.symbol)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire decoding
// ————————————————————————————————————————————————————————————————————————

func decodeTrade(w types.WireTrade) types.Trade {
	side := types.SELL
	if w.Side == "B" {
		side = types.BUY
	}
	return types.Trade{
		Symbol: w.Coin,
		Side:   side,
		Px:     parseFloat(w.Px),
		Sz:     parseFloat(w.Sz),
		Time:   time.UnixMilli(w.Time),
	}
}

func decodeBook(w types.WireBook) types.Book {
	book := types.Book{
		Symbol: w.Coin,
		Bids:   make([]types.BookLevel, 0, len(w.Levels[0])),
		Asks:   make([]types.BookLevel, 0, len(w.Levels[1])),
		Time:   time.UnixMilli(w.Time),
	}
	for _, l := range w.Levels[0] {
		book.Bids = append(book.Bids, types.BookLevel{Px: parseFloat(l.Px), Sz: parseFloat(l.Sz), N: l.N})
	}
	for _, l := range w.Levels[1] {
		book.Asks = append(book.Asks, types.BookLevel{Px: parseFloat(l.Px), Sz: parseFloat(l.Sz), N: l.N})
	}
	return book
}

func decodeCandle(w types.WireCandle) types.Candle {
	return types.Candle{
		Symbol:   w.Symbol,
		Interval: w.Interval,
		Open:     parseFloat(w.Open),
		High:     parseFloat(w.High),
		Low:      parseFloat(w.Low),
		Close:    parseFloat(w.Close),
		Volume:   parseFloat(w.Volume),
		Time:     time.UnixMilli(w.OpenTime),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
