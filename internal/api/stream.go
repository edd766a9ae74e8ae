package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hyperagent/internal/hub"
	"hyperagent/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Subscription is one live downstream leg of the market-data bridge.
type Subscription interface {
	Frames() <-chan types.Frame
	Close()
}

// MarketHub is the upstream the bridge subscribes against.
type MarketHub interface {
	Subscribe(channel types.ChannelType, symbol, interval string) (Subscription, error)
}

// HubSource adapts the concrete hub to the bridge interface.
type HubSource struct {
	Hub *hub.Hub
}

func (s HubSource) Subscribe(channel types.ChannelType, symbol, interval string) (Subscription, error) {
	return s.Hub.Subscribe(channel, symbol, interval)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientRequest is a downstream subscribe/unsubscribe frame.
type clientRequest struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	Type     string `json:"type"`   // trades, l2Book, candle
	Coin     string `json:"coin"`
	Interval string `json:"interval,omitempty"`
}

// serverFrame is what goes back down the socket.
type serverFrame struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn   *websocket.Conn
	market MarketHub
	send   chan []byte
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Subscription
	done chan struct{}
	once sync.Once
}

// HandleMarketData upgrades the connection and bridges hub frames to the
// client until either side goes away.
func (h *Handlers) HandleMarketData(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		market: h.market,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger,
		subs:   make(map[string]Subscription),
		done:   make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("client websocket error", "error", err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.reply(serverFrame{Type: "error", Data: "invalid request"})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(req)
		case "unsubscribe":
			c.unsubscribe(req)
		default:
			c.reply(serverFrame{Type: "error", Data: "unknown action"})
		}
	}
}

func (c *wsClient) subscribe(req clientRequest) {
	key := hub.Key(types.ChannelType(req.Type), req.Coin, req.Interval)

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subs[key]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.market.Subscribe(types.ChannelType(req.Type), req.Coin, req.Interval)
	if err != nil {
		c.reply(serverFrame{Type: "error", Coin: req.Coin, Data: err.Error()})
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.subs[key] = sub
	c.mu.Unlock()

	c.reply(serverFrame{Type: "subscribed", Coin: req.Coin, Data: key})
	go c.pump(sub)
}

func (c *wsClient) unsubscribe(req clientRequest) {
	key := hub.Key(types.ChannelType(req.Type), req.Coin, req.Interval)

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if ok {
		sub.Close()
		c.reply(serverFrame{Type: "unsubscribed", Coin: req.Coin, Data: key})
	}
}

// pump forwards one subscription's frames until it closes.
func (c *wsClient) pump(sub Subscription) {
	for frame := range sub.Frames() {
		var out serverFrame
		switch frame.Type {
		case types.FrameTrade:
			out = serverFrame{Type: string(types.ChannelTrades), Coin: frame.Trade.Symbol, Data: frame.Trade}
		case types.FrameBook:
			out = serverFrame{Type: string(types.ChannelBook), Coin: frame.Book.Symbol, Data: frame.Book}
		case types.FrameCandle:
			out = serverFrame{Type: string(types.ChannelCandle), Coin: frame.Candle.Symbol, Data: frame.Candle}
		default:
			continue
		}
		c.reply(out)
	}
}

// reply queues a frame for the write pump. Slow clients drop frames rather
// than stall the bridge.
func (c *wsClient) reply(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("client send queue full, dropping frame", "type", frame.Type)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
