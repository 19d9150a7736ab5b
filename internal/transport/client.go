package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Config holds websocket client settings.
type Config struct {
	URL    string
	PeerID string
	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration
	// QueueSize bounds outgoing messages held while disconnected.
	QueueSize int
	Logger    *logging.Logger
}

// WSClient is a Notifier that talks to a websocket relay. It reconnects
// with exponential backoff and keeps queued messages across reconnects.
type WSClient struct {
	cfg    Config
	dialer *websocket.Dialer
	out    chan Message
	in     chan Message
	log    *logging.Logger

	connected atomic.Bool
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
}

var _ Notifier = (*WSClient)(nil)

// NewWSClient creates a client. Call Start to connect.
func NewWSClient(cfg Config) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: relay url is required")
	}
	if cfg.PeerID == "" {
		return nil, errors.New("transport: peer id is required")
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}
	return &WSClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		out:    make(chan Message, cfg.QueueSize),
		in:     make(chan Message, cfg.QueueSize),
		log:    cfg.Logger.Component("transport"),
		done:   make(chan struct{}),
	}, nil
}

// Start connects in the background. The client stops when ctx is done or
// Close is called.
func (c *WSClient) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
	})
}

// Incoming returns validated messages from counterparties. It is closed
// when the client stops.
func (c *WSClient) Incoming() <-chan Message {
	return c.in
}

// Connected reports whether the relay connection is up.
func (c *WSClient) Connected() bool {
	return c.connected.Load()
}

// Close stops the client and waits for it to disconnect.
func (c *WSClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel == nil {
		close(c.in)
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

// NotifyInitiate sends a swap proposal.
func (c *WSClient) NotifyInitiate(ctx context.Context, r swap.Record) error {
	return c.send(ctx, NewMessage(TypeInitiate, c.cfg.PeerID, r))
}

// NotifyAccept sends our requisites for an accepted swap.
func (c *WSClient) NotifyAccept(ctx context.Context, r swap.Record) error {
	return c.send(ctx, NewMessage(TypeAccept, c.cfg.PeerID, r))
}

// NotifyStatus sends progress hints.
func (c *WSClient) NotifyStatus(ctx context.Context, r swap.Record) error {
	return c.send(ctx, NewMessage(TypeStatus, c.cfg.PeerID, r))
}

// send queues m without waiting for the connection.
func (c *WSClient) send(ctx context.Context, m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.out <- m:
		return nil
	default:
		c.log.Warn("Outgoing queue full, dropping message", "type", m.Type, "to", m.To)
		return ErrQueueFull
	}
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.in)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = c.cfg.MaxReconnectInterval
	b.MaxElapsedTime = 0

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			c.log.Debug("Relay connection failed", "url", c.cfg.URL, "retry_in", wait, "error", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		b.Reset()
		c.connected.Store(true)
		c.log.Info("Connected to relay", "url", c.cfg.URL)
		err = c.serve(ctx, conn)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("Relay connection lost", "error", err)
	}
}

// serve runs one connection until it breaks or ctx is done. All writes
// happen on this goroutine.
func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	hello := Message{Type: TypeHello, From: c.cfg.PeerID, Timestamp: time.Now().Unix()}
	if err := c.write(conn, hello); err != nil {
		conn.Close()
		return fmt.Errorf("hello: %w", err)
	}

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr = c.readPump(ctx, conn)
	}()
	defer func() {
		conn.Close()
		<-readDone
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case m := <-c.out:
			if err := c.write(conn, m); err != nil {
				// Keep the message for the next connection.
				select {
				case c.out <- m:
				default:
				}
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-readDone:
			return readErr
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		}
	}
}

func (c *WSClient) write(conn *websocket.Conn, m Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

// readPump reads messages from the relay until the connection fails.
func (c *WSClient) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Debug("Dropping undecodable message", "error", err)
			continue
		}
		if m.Type == TypeHello {
			continue
		}
		if err := m.Validate(); err != nil {
			c.log.Debug("Dropping invalid message", "from", m.From, "error", err)
			continue
		}
		select {
		case c.in <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
