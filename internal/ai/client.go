// Package ai streams meeting audio and screen frames to a live multimodal
// model over WebSocket and surfaces the model's spoken replies.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the bidirectional streaming endpoint. The API key
	// rides in the query string.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	handshakeTimeout = 10 * time.Second
	setupTimeout     = 5 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second

	// Inline audio parts for a long reply make frames large.
	maxMessageSize = 8 << 20

	audioInputMimeType = "audio/pcm;rate=16000"
	imageMimeType      = "image/jpeg"
)

// Config wires a Client.
type Config struct {
	// URL overrides DefaultEndpoint, mainly for tests.
	URL               string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string

	// OnAudio receives raw 24 kHz PCM decoded from inline audio parts.
	OnAudio func(pcm []byte)
	// OnText receives text parts.
	OnText func(text string)
	// OnTurnComplete fires when the model finishes a reply.
	OnTurnComplete func()
	// OnInterrupted fires when the model reports barge-in.
	OnInterrupted func()
	// OnSetupComplete fires each time a session handshake finishes.
	OnSetupComplete func()
	// OnClosed fires when the socket drops outside Close.
	OnClosed func(error)
}

// Client is one streaming session with the model. Connect may be called
// again after the peer drops the socket; connection state resets, counters
// accumulate.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	session Session

	writeMu sync.Mutex

	speaking atomic.Bool
	closed   atomic.Bool

	audioSent atomic.Uint64
	audioRecv atomic.Uint64
	imageSent atomic.Uint64
	textRecv  atomic.Uint64
}

// NewClient builds a client; Connect establishes the session.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultEndpoint
	}
	return &Client{cfg: cfg}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("ai: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint, performs the setup handshake and starts the
// receive loop. It blocks until the model confirms setup or the timeout
// expires.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("ai: client closed")
	}

	target, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("ai: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.session.Connected = true
	c.session.SetupComplete = true
	c.session.ConnectedAt = time.Now()
	c.mu.Unlock()
	c.speaking.Store(false)

	go c.recvLoop(conn, done)
	go c.pingLoop(conn, done)

	logger.Base().Info("AI session established", zap.String("model", c.cfg.Model))
	if c.cfg.OnSetupComplete != nil {
		c.cfg.OnSetupComplete()
	}
	return nil
}

// handshake sends setup and reads until the model confirms it.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	setup := setupMessage{
		Setup: setupPayload{
			Model: c.cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				MediaResolution:    "MEDIA_RESOLUTION_MEDIUM",
			},
		},
	}
	if c.cfg.Voice != "" {
		setup.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
		}
	}
	if c.cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &systemInstruction{
			Parts: []textPart{{Text: c.cfg.SystemInstruction}},
		}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("ai: setup: %w", err)
	}
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("ai: send setup: %w", err)
	}

	deadline := time.Now().Add(setupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("ai: setup: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ai: waiting for setup confirmation: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Warn("Unparseable AI message during setup", zap.Error(err))
			continue
		}
		if msg.SetupComplete != nil {
			return conn.SetReadDeadline(time.Time{})
		}
		logger.Base().Debug("Skipping pre-setup AI message")
	}
}

func (c *Client) recvLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stale := !c.current(done)
			c.markDisconnected(done)
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Debug("AI socket closed")
			} else {
				logger.Base().Warn("AI socket read failed", zap.Error(err))
			}
			if !stale && !c.closed.Load() && c.cfg.OnClosed != nil {
				c.cfg.OnClosed(err)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Warn("Unparseable AI message", zap.Error(err))
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *serverMessage) {
	switch {
	case msg.ServerContent != nil:
		c.handleContent(msg.ServerContent)
	case msg.ToolCall != nil:
		// Tool execution is not wired; log so the model's attempts stay
		// visible.
		for _, call := range msg.ToolCall.FunctionCalls {
			logger.Base().Info("AI tool call ignored",
				zap.String("name", call.Name), zap.String("id", call.ID))
		}
	case msg.ToolCallCancellation != nil:
		logger.Base().Info("AI tool call cancellation",
			zap.Strings("ids", msg.ToolCallCancellation.IDs))
	case msg.SetupComplete != nil:
		logger.Base().Debug("Duplicate setup confirmation")
	}
}

func (c *Client) handleContent(content *serverContent) {
	if content.Interrupted {
		c.speaking.Store(false)
		if c.cfg.OnInterrupted != nil {
			c.cfg.OnInterrupted()
		}
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "audio/pcm") {
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					logger.Base().Warn("Undecodable AI audio part", zap.Error(err))
					continue
				}
				c.speaking.Store(true)
				c.audioRecv.Add(1)
				c.mu.Lock()
				c.session.LastAudioReceived = time.Now()
				c.mu.Unlock()
				if c.cfg.OnAudio != nil {
					c.cfg.OnAudio(pcm)
				}
			}
			if part.Text != "" {
				c.textRecv.Add(1)
				if c.cfg.OnText != nil {
					c.cfg.OnText(part.Text)
				}
			}
		}
	}

	if content.TurnComplete {
		c.speaking.Store(false)
		if c.cfg.OnTurnComplete != nil {
			c.cfg.OnTurnComplete()
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// SendAudio ships one chunk of 16 kHz PCM. It reports whether the chunk
// was written; callers drop audio freely while the session is down.
func (c *Client) SendAudio(pcm []byte) bool {
	if len(pcm) == 0 || !c.Ready() {
		return false
	}
	msg := realtimeAudioMessage{
		RealtimeInput: realtimeAudioInput{
			MediaChunks: []mediaChunk{{
				MimeType: audioInputMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	if err := c.write(msg); err != nil {
		logger.Base().Warn("AI audio send failed", zap.Error(err))
		return false
	}
	c.audioSent.Add(1)
	c.mu.Lock()
	c.session.LastAudioSent = time.Now()
	c.mu.Unlock()
	return true
}

// SendImage ships one JPEG frame of the shared screen.
func (c *Client) SendImage(frame []byte) bool {
	if len(frame) == 0 || !c.Ready() {
		return false
	}
	msg := realtimeImageMessage{
		RealtimeInput: realtimeImageInput{
			Media: mediaBlob{
				MimeType: imageMimeType,
				Data:     base64.StdEncoding.EncodeToString(frame),
			},
		},
	}
	if err := c.write(msg); err != nil {
		logger.Base().Warn("AI image send failed", zap.Error(err))
		return false
	}
	c.imageSent.Add(1)
	return true
}

// SendText injects a user text turn and asks for a reply.
func (c *Client) SendText(text string) error {
	if !c.Ready() {
		return errors.New("ai: session not ready")
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []textPart{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	return c.write(msg)
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ai: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (c *Client) current(done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done == done
}

// markDisconnected clears connection state, but only for the connection
// that owns done; a stale loop must not clobber a fresh session.
func (c *Client) markDisconnected(done chan struct{}) {
	c.mu.Lock()
	if c.done == done {
		c.session.Connected = false
		c.session.SetupComplete = false
	}
	c.mu.Unlock()
	c.speaking.Store(false)
}

// Ready reports whether sends can go through.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Connected && c.session.SetupComplete
}

// IsSpeaking reports whether the model is mid-reply.
func (c *Client) IsSpeaking() bool { return c.speaking.Load() }

// Session returns a snapshot including counters.
func (c *Client) Session() Session {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	s.Speaking = c.speaking.Load()
	s.AudioChunksSent = c.audioSent.Load()
	s.AudioChunksReceived = c.audioRecv.Load()
	s.ImagesSent = c.imageSent.Load()
	s.TextsReceived = c.textRecv.Load()
	return s
}

// Close shuts the session down for good; Connect refuses afterwards.
func (c *Client) Close() error {
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.session.Connected = false
	c.session.SetupComplete = false
	c.mu.Unlock()
	c.speaking.Store(false)

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return err
}
