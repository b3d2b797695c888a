package janus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/ClareAI/agent-bridge/pkg/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	janusSubprotocol = "janus-protocol"

	handshakeTimeout = 10 * time.Second
	requestTimeout   = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 10 * time.Second
	// KeepaliveInterval refreshes the Janus session well inside its 60 s
	// default timeout.
	KeepaliveInterval = 25 * time.Second

	maxMessageSize = 1 << 20
)

// ErrNotConnected is returned for requests issued before Connect.
var ErrNotConnected = errors.New("janus: not connected")

// Client is the shared Janus WebSocket core: one session, one plugin
// handle, transaction correlation and the keepalive loop. During startup
// replies are read inline from the socket; once the event loop starts,
// in-flight requests wait on per-transaction channels that the receive
// loop completes.
type Client struct {
	url    string
	plugin string

	writeMu sync.Mutex
	conn    *websocket.Conn

	sessionID atomic.Int64
	handleID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	looping atomic.Bool
	closed  atomic.Bool
	onEvent func(*Response)
	onClose func(error)

	done            chan struct{}
	keepaliveCancel context.CancelFunc
}

// NewClient prepares a client for one plugin attachment. Connect must be
// called before any request.
func NewClient(url, plugin string) *Client {
	return &Client{
		url:     url,
		plugin:  plugin,
		pending: make(map[string]chan *Response),
	}
}

// Connect dials Janus with the janus-protocol subprotocol, retrying with
// backoff, then creates the session and attaches the plugin.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{janusSubprotocol},
	}

	r := retry.New(500*time.Millisecond, 5*time.Second, 30*time.Second)
	err := r.Do(ctx, func() error {
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return fmt.Errorf("janus: dial %s: %w", c.url, err)
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return err
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.done = make(chan struct{})
	c.closed.Store(false)

	logger.Base().Info("Connected to Janus",
		zap.String("url", c.url),
		zap.String("plugin", c.plugin))

	if err := c.createSession(ctx); err != nil {
		_ = c.conn.Close()
		return err
	}
	if err := c.attach(ctx); err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// SessionID returns the Janus session id (0 before Connect).
func (c *Client) SessionID() int64 { return c.sessionID.Load() }

// HandleID returns the plugin handle id (0 before Connect).
func (c *Client) HandleID() int64 { return c.handleID.Load() }

func (c *Client) createSession(ctx context.Context) error {
	resp, err := c.request(ctx, &request{Janus: "create"})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return errors.New("janus: create returned no session id")
	}
	c.sessionID.Store(resp.Data.ID)
	return nil
}

func (c *Client) attach(ctx context.Context) error {
	resp, err := c.request(ctx, &request{
		Janus:     "attach",
		SessionID: c.sessionID.Load(),
		Plugin:    c.plugin,
	})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return errors.New("janus: attach returned no handle id")
	}
	c.handleID.Store(resp.Data.ID)
	return nil
}

// Message sends a plugin message and waits for the non-ack reply.
func (c *Client) Message(ctx context.Context, body interface{}) (*Response, error) {
	return c.request(ctx, &request{
		Janus:     "message",
		SessionID: c.sessionID.Load(),
		HandleID:  c.handleID.Load(),
		Body:      body,
	})
}

// request correlates one request with its reply. Acks are skipped; the
// first matching success/event/error settles the call.
func (c *Client) request(ctx context.Context, req *request) (*Response, error) {
	req.Transaction = newTransaction()

	if !c.looping.Load() {
		return c.requestInline(ctx, req)
	}

	ch := make(chan *Response, 2)
	c.pendingMu.Lock()
	c.pending[req.Transaction] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.Transaction)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Janus == "error" && resp.Error != nil {
			return nil, fmt.Errorf("janus: %s: %s (code %d)", req.Janus, resp.Error.Reason, resp.Error.Code)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("janus: %s: timed out waiting for reply", req.Janus)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// requestInline performs the synchronous-read correlation used during
// startup, before the receive loop owns the socket.
func (c *Client) requestInline(ctx context.Context, req *request) (*Response, error) {
	if err := c.write(req); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("janus: %s: %w", req.Janus, err)
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("janus: %s: read: %w", req.Janus, err)
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Base().Warn("Unparseable Janus message", zap.Error(err))
			continue
		}
		if resp.Transaction != req.Transaction {
			logger.Base().Debug("Skipping unrelated Janus message during startup",
				zap.String("janus", resp.Janus))
			continue
		}
		if resp.Janus == "ack" {
			continue
		}
		if resp.Janus == "error" && resp.Error != nil {
			return nil, fmt.Errorf("janus: %s: %s (code %d)", req.Janus, resp.Error.Reason, resp.Error.Code)
		}
		return &resp, nil
	}
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// StartEventLoop hands the socket to the receive loop. From here on,
// requests are correlated through the pending map and unsolicited events
// are delivered to onEvent. onClose fires once if the peer drops us.
func (c *Client) StartEventLoop(onEvent func(*Response), onClose func(error)) {
	c.onEvent = onEvent
	c.onClose = onClose
	c.looping.Store(true)

	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	go c.recvLoop()
	go c.pingLoop()
}

func (c *Client) recvLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				logger.Base().Debug("Janus socket closed", zap.String("plugin", c.plugin))
				return
			}
			// A close we did not initiate is a lost gateway even when the
			// peer shut down politely.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("Janus closed the connection", zap.String("plugin", c.plugin))
			} else {
				logger.Base().Warn("Janus socket read failed",
					zap.String("plugin", c.plugin), zap.Error(err))
			}
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Base().Warn("Unparseable Janus message", zap.Error(err))
			continue
		}

		if resp.Transaction != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.Transaction]
			c.pendingMu.Unlock()
			if ok {
				if resp.Janus == "ack" {
					continue
				}
				select {
				case ch <- &resp:
				default:
				}
				continue
			}
			if resp.Janus == "ack" {
				// Keepalive acks land here.
				continue
			}
		}

		if c.onEvent != nil {
			c.onEvent(&resp)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logger.Base().Debug("Janus ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// StartKeepalive refreshes the session every KeepaliveInterval until the
// connection closes.
func (c *Client) StartKeepalive() {
	ctx, cancel := context.WithCancel(context.Background())
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := c.write(&request{
					Janus:       "keepalive",
					Transaction: newTransaction(),
					SessionID:   c.sessionID.Load(),
				})
				if err != nil {
					logger.Base().Warn("Janus keepalive failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
}

// Destroy tears down the Janus session (best-effort) and closes the
// socket. Repeated calls are no-ops.
func (c *Client) Destroy(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}

	if c.sessionID.Load() != 0 {
		err := c.write(&request{
			Janus:       "destroy",
			Transaction: newTransaction(),
			SessionID:   c.sessionID.Load(),
		})
		if err != nil {
			logger.Base().Debug("Janus destroy request failed", zap.Error(err))
		}
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()

	if c.looping.Load() {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}
	return err
}

// newTransaction mints a 6-byte hex transaction id.
func newTransaction() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tx%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
