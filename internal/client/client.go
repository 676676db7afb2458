// Package client is the Go-side relay participant: it dials the signaling
// endpoint, joins a room and pumps envelopes between the relay and the
// negotiation engine. Clients that only observe chat or presence can leave
// the session factory nil-backed and ignore the media side entirely.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/peer"
	"github.com/huddlekit/huddle/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Handlers are the application-facing callbacks. All of them are optional
// and are invoked from the client's read loop, so they must not block.
type Handlers struct {
	// OnWelcome fires once after joining, with the local relay-assigned id
	// and the membership snapshot.
	OnWelcome    func(selfID string, users []signal.UserInfo)
	OnUserJoined func(user signal.UserInfo)
	OnUserLeft   func(user signal.UserInfo)

	OnChat        func(msg signal.ChatMessage)
	OnChatHistory func(msgs []signal.ChatMessage)
	OnChatEdit    func(messageID, text string)
	OnChatDelete  func(messageID string)
	OnChatReact   func(messageID, reaction, from string)
	OnPinned      func(messageIDs []string)

	// OnPresence fires for toggle-video / toggle-audio from other members.
	OnPresence func(from string, kind signal.Kind, on bool)

	// OnServerError receives relay-reported protocol errors.
	OnServerError func(code, message string)
}

// Config wires a relay client.
type Config struct {
	// URL is the signaling endpoint, e.g. ws://host:8080/signal.
	URL         string
	Room        string
	DisplayName string

	Logger *slog.Logger

	// NewSession provides the media capability for each peer link. Nil means
	// a signaling-only participant: negotiation envelopes are dropped.
	NewSession peer.SessionFactory
	// Health tunes transport recovery for the created links.
	Health peer.HealthConfig
	// OnDegraded surfaces links that exhausted their restart budget.
	OnDegraded func(remoteID string)

	Handlers Handlers

	// Header is passed to the WebSocket handshake (auth, origin).
	Header http.Header
}

// Client is one participant's connection to the relay.
type Client struct {
	log      *slog.Logger
	conn     *websocket.Conn
	cfg      Config
	mgr      *peer.Manager
	handlers Handlers

	outgoing chan signal.Envelope
	done     chan struct{}
	once     sync.Once
}

// Dial connects, joins the configured room and starts the write pump. The
// read loop runs in Run so the caller controls its lifetime.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Room == "" {
		return nil, errors.New("client: room required")
	}
	if cfg.DisplayName == "" {
		return nil, errors.New("client: display name required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		log:      log,
		conn:     conn,
		cfg:      cfg,
		handlers: cfg.Handlers,
		outgoing: make(chan signal.Envelope, 64),
		done:     make(chan struct{}),
	}

	newSession := cfg.NewSession
	if newSession == nil {
		newSession = func(string, peer.Channel) (peer.MediaSession, error) {
			return nil, errors.New("client: signaling-only participant")
		}
	}
	c.mgr = peer.NewManager(peer.ManagerConfig{
		Logger:     log,
		NewSession: newSession,
		Send:       c.Send,
		OnDegraded: cfg.OnDegraded,
		Health:     cfg.Health,
	})

	go c.writePump()

	c.Send(signal.Envelope{
		Kind:        signal.KindJoin,
		Room:        cfg.Room,
		DisplayName: cfg.DisplayName,
	})
	return c, nil
}

// Manager exposes the negotiation engine, e.g. for the share controller.
func (c *Client) Manager() *peer.Manager { return c.mgr }

// Run reads envelopes until the connection drops or ctx is canceled. It
// always returns a non-nil error; a clean remote close is ErrClosed.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := signal.ParseEnvelope(data)
		if err != nil {
			c.log.Warn("dropping malformed envelope from relay", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env signal.Envelope) {
	// The negotiation engine sees every membership and negotiation envelope;
	// the application callbacks see the human-facing ones.
	switch env.Kind {
	case signal.KindExistingUsers:
		c.mgr.HandleEnvelope(env)
		if c.handlers.OnWelcome != nil && env.User != nil {
			c.handlers.OnWelcome(env.User.ID, env.Users)
		}
	case signal.KindUserJoined:
		c.mgr.HandleEnvelope(env)
		if c.handlers.OnUserJoined != nil && env.User != nil {
			c.handlers.OnUserJoined(*env.User)
		}
	case signal.KindUserLeft:
		c.mgr.HandleEnvelope(env)
		if c.handlers.OnUserLeft != nil && env.User != nil {
			c.handlers.OnUserLeft(*env.User)
		}
	case signal.KindOffer, signal.KindAnswer, signal.KindCandidate,
		signal.KindScreenOffer, signal.KindScreenAnswer, signal.KindScreenCandidate:
		c.mgr.HandleEnvelope(env)
	case signal.KindChatMessage:
		if c.handlers.OnChat != nil && env.Chat != nil {
			c.handlers.OnChat(*env.Chat)
		}
	case signal.KindChatHistory:
		if c.handlers.OnChatHistory != nil {
			c.handlers.OnChatHistory(env.Messages)
		}
	case signal.KindChatEdit:
		if c.handlers.OnChatEdit != nil {
			c.handlers.OnChatEdit(env.MessageID, env.Text)
		}
	case signal.KindChatDelete:
		if c.handlers.OnChatDelete != nil {
			c.handlers.OnChatDelete(env.MessageID)
		}
	case signal.KindChatReact:
		if c.handlers.OnChatReact != nil {
			c.handlers.OnChatReact(env.MessageID, env.Reaction, env.From)
		}
	case signal.KindPinnedMessages:
		if c.handlers.OnPinned != nil {
			c.handlers.OnPinned(env.Pinned)
		}
	case signal.KindToggleVideo, signal.KindToggleAudio:
		if c.handlers.OnPresence != nil && env.On != nil {
			c.handlers.OnPresence(env.From, env.Kind, *env.On)
		}
	case signal.KindError:
		c.log.Warn("relay error", "code", env.Code, "message", env.Message)
		if c.handlers.OnServerError != nil {
			c.handlers.OnServerError(env.Code, env.Message)
		}
	default:
		c.log.Debug("unhandled envelope kind", "kind", env.Kind)
	}
}

// Send queues an envelope for transmission. Never blocks; envelopes are
// dropped with a log line if the connection has stalled.
func (c *Client) Send(env signal.Envelope) {
	select {
	case c.outgoing <- env:
	case <-c.done:
	default:
		c.log.Warn("outbound queue full, dropping envelope", "kind", env.Kind)
	}
}

// SendChat posts a chat message to the room. The relay assigns the id,
// timestamp and sender identity.
func (c *Client) SendChat(text string, file *signal.FileRef) {
	c.Send(signal.Envelope{
		Kind: signal.KindChatMessage,
		Chat: &signal.ChatMessage{Text: text, File: file},
	})
}

// EditChat rewrites one of our own messages.
func (c *Client) EditChat(messageID, text string) {
	c.Send(signal.Envelope{Kind: signal.KindChatEdit, MessageID: messageID, Text: text})
}

// DeleteChat removes one of our own messages.
func (c *Client) DeleteChat(messageID string) {
	c.Send(signal.Envelope{Kind: signal.KindChatDelete, MessageID: messageID})
}

// React toggles a reaction on a message.
func (c *Client) React(messageID, reaction string) {
	c.Send(signal.Envelope{Kind: signal.KindChatReact, MessageID: messageID, Reaction: reaction})
}

// PinChat pins or unpins a message.
func (c *Client) PinChat(messageID string, pinned bool) {
	pin := pinned
	c.Send(signal.Envelope{Kind: signal.KindChatPin, MessageID: messageID, Pin: &pin})
}

// SetVideoEnabled announces the local camera mute state to the room.
func (c *Client) SetVideoEnabled(on bool) {
	v := on
	c.Send(signal.Envelope{Kind: signal.KindToggleVideo, On: &v})
}

// SetAudioEnabled announces the local microphone mute state to the room.
func (c *Client) SetAudioEnabled(on bool) {
	v := on
	c.Send(signal.Envelope{Kind: signal.KindToggleAudio, On: &v})
}

// Leave tells the relay we are going away before closing.
func (c *Client) Leave() {
	c.Send(signal.Envelope{Kind: signal.KindLeave})
}

// Close tears down the links and the connection. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mgr.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			data, err := env.Encode()
			if err != nil {
				c.log.Error("encode envelope", "kind", env.Kind, "err", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
