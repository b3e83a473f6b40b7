package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/internal/config"
	"github.com/perpwatch/perpwatch/pkg/metrics"
)

// MessageHandler receives every decoded frame from the indexer stream.
type MessageHandler func(m *Message)

// Client maintains the indexer websocket connection. It reconnects with
// exponential backoff and replays all subscriptions after each reconnect.
type Client struct {
	url     string
	dialer  websocket.Dialer
	logger  *zap.Logger
	handler MessageHandler

	pingInterval time.Duration
	pongTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]json.RawMessage
}

func NewClient(cfg config.IndexerConfig, handler MessageHandler, logger *zap.Logger) *Client {
	return &Client{
		url: cfg.WSURL,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:       logger.Named("feed"),
		handler:      handler,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		subs:         make(map[string]json.RawMessage),
	}
}

// SubscribeSubaccount registers and sends a v4_subaccounts subscription.
func (c *Client) SubscribeSubaccount(address string, number int) error {
	msg := map[string]any{
		"type":    "subscribe",
		"channel": channelSubaccounts,
		"id":      SubscriptionID(address, number),
		"batched": false,
	}
	return c.subscribe(channelSubaccounts+":"+SubscriptionID(address, number), msg)
}

// UnsubscribeSubaccount drops the subscription; no-op when disconnected.
func (c *Client) UnsubscribeSubaccount(address string, number int) error {
	key := channelSubaccounts + ":" + SubscriptionID(address, number)
	c.subsMu.Lock()
	delete(c.subs, key)
	c.subsMu.Unlock()

	return c.send(map[string]any{
		"type":    "unsubscribe",
		"channel": channelSubaccounts,
		"id":      SubscriptionID(address, number),
	})
}

// SubscribeMarkets registers and sends the v4_markets subscription.
func (c *Client) SubscribeMarkets() error {
	msg := map[string]any{
		"type":    "subscribe",
		"channel": channelMarkets,
		"batched": true,
	}
	return c.subscribe(channelMarkets, msg)
}

func (c *Client) subscribe(key string, msg map[string]any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.subsMu.Lock()
	c.subs[key] = raw
	c.subsMu.Unlock()

	return c.send(msg)
}

// send writes one frame when connected. A nil connection is not an error:
// the subscription replay after the next connect covers it.
func (c *Client) send(msg any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteJSON(msg)
}

// Run connects and pumps messages until the context is cancelled. Each
// connection loss triggers a backoff-delayed reconnect.
func (c *Client) Run(ctx context.Context) {
	backoff := c.reconnectMin
	for ctx.Err() == nil {
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("indexer connect failed",
				zap.String("url", c.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
			continue
		}

		backoff = c.reconnectMin
		metrics.FeedConnected.Set(1)
		c.resubscribe()

		err := c.pump(ctx)
		metrics.FeedConnected.Set(0)
		c.closeConn()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("indexer connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("connected to indexer", zap.String("url", c.url))
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) resubscribe() {
	c.subsMu.Lock()
	pending := make([]json.RawMessage, 0, len(c.subs))
	for _, raw := range c.subs {
		pending = append(pending, raw)
	}
	c.subsMu.Unlock()

	for _, raw := range pending {
		c.connMu.Lock()
		if c.conn == nil {
			c.connMu.Unlock()
			return
		}
		err := c.conn.WriteMessage(websocket.TextMessage, raw)
		c.connMu.Unlock()
		if err != nil {
			c.logger.Warn("failed to replay subscription", zap.Error(err))
			return
		}
	}
}

// pump reads frames and keeps the connection alive with pings until an
// error or context cancellation.
func (c *Client) pump(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.connMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.connMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-pingDone:
				return
			}
		}
	}()
	defer close(pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Warn("failed to decode indexer frame", zap.Error(err))
			continue
		}
		c.handler(msg)
	}
}
