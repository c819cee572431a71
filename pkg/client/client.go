// Package client connects a mirror to a cuemix server over a websocket and keeps it connected.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/cuemix/pkg/mirror"
	"github.com/astromechza/cuemix/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBackpressure = errors.New("send queue full")
)

const (
	DefaultRetryInterval = time.Second
	sendQueueSize        = 256
	writeWait            = 10 * time.Second
)

type Client struct {
	url           string
	mirror        *mirror.Mirror
	dialer        *websocket.Dialer
	retryInterval time.Duration

	mu        sync.Mutex
	connected bool
	queue     chan []byte
}

// New builds a client for a server base address such as "http://10.0.0.5:8080" or "ws://host:port".
func New(baseURL string, retryInterval time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	c := &Client{
		url:           u.JoinPath("ws").String(),
		retryInterval: retryInterval,
		dialer: &websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 3 * time.Second,
		},
		queue: make(chan []byte, sendQueueSize),
	}
	c.mirror = mirror.New(c.send)
	return c, nil
}

func (c *Client) Mirror() *mirror.Mirror {
	return c.mirror
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// send queues a frame for the current connection. It never blocks: the mirror calls it while holding its lock.
func (c *Client) send(msg protocol.Message) error {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	select {
	case c.queue <- raw:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	// anything queued for a previous connection was made against a mirror that is about to be replaced
	for {
		select {
		case <-c.queue:
			continue
		default:
		}
		return
	}
}

// Run connects, and reconnects after every failure, until ctx is cancelled. Each connection starts from the full
// snapshot the server sends; nothing from a previous connection is resumed.
func (c *Client) Run(ctx context.Context) {
	t := time.NewTicker(c.retryInterval)
	defer t.Stop()
	for {
		if err := c.connectAndSync(ctx); err != nil && ctx.Err() == nil {
			slog.Error("failed to sync", "url", c.url, "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping client")
			return
		}
	}
}

func (c *Client) connectAndSync(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "url", c.url)

	c.setConnected(true)
	defer func() {
		c.setConnected(false)
		c.mirror.Reset()
	}()

	inner, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		c.writeLoop(inner, conn)
	}()

	err = c.readLoop(conn)
	cancel()
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := c.mirror.HandleFrame(p); err != nil {
			slog.Warn("dropped frame", "err", err)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case raw := <-c.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				slog.Error("failed to write message", "err", err)
				return
			}
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
