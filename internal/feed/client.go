// Package feed maintains a websocket connection to an oracle report
// gateway. It is an alternative inbound path to JetStream for deployments
// where the price source speaks websocket directly.
package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"PerpEngine/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Message is one raw frame from the gateway, in the same JSON format the
// oracle subjects carry.
type Message struct {
	Provider string
	Data     []byte
	Received time.Time
}

// Client dials the gateway and pushes frames into the output channel. A
// dropped connection reconnects with exponential backoff; the engine's
// staleness checks discard whatever went missing in between.
type Client struct {
	url      string
	provider string
	out      chan<- Message
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewClient(url, provider string, out chan<- Message, metrics *observability.Metrics) *Client {
	return &Client{
		url:      url,
		provider: provider,
		out:      out,
		log:      observability.NewLogger("feed").With().Str("provider", provider).Logger(),
		metrics:  metrics,
	}
}

// Run connects and reads until ctx is cancelled, reconnecting on any error.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := c.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("connection lost")
		}

		if c.metrics != nil {
			c.metrics.FeedReconnects.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.log.Info().Str("url", c.url).Msg("connected")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader blocks in ReadMessage; pings and cancellation run beside it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.FeedMessages.WithLabelValues(c.provider).Inc()
		}
		msg := Message{Provider: c.provider, Data: data, Received: time.Now()}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
