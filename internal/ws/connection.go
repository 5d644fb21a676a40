package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jefftrojan/twigane/internal/hub"
	"github.com/jefftrojan/twigane/internal/model"
)

var ErrClosed = errors.New("connection closed")

// socket is the subset of *websocket.Conn a Conn uses.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	InboundRPS      int
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 12 / 5
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.InboundRPS <= 0 {
		o.InboundRPS = 20
	}
}

// Conn is one client websocket registered with the hub.
type Conn struct {
	id     string
	userID string
	ws     socket
	hub    *hub.Hub
	log    *zap.SugaredLogger
	opts   Options

	limiter *rate.Limiter

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(s socket, userID string, h *hub.Hub, opts Options, log *zap.SugaredLogger) *Conn {
	opts.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Conn{
		id:      uuid.NewString(),
		userID:  userID,
		ws:      s,
		hub:     h,
		log:     log,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.InboundRPS), opts.InboundRPS),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

// Send writes env as a JSON text frame. The write deadline is the earlier
// of the context deadline and now+WriteTimeout.
func (c *Conn) Send(ctx context.Context, env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close closes the socket once. Safe to call from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.writeMu.Unlock()
	})
	return err
}

// Run registers the connection, serves it until the client goes away,
// then unregisters it. It blocks for the lifetime of the connection.
func (c *Conn) Run(ctx context.Context) {
	c.hub.Register(c.userID, c)
	defer func() {
		c.hub.Unregister(c.userID, c)
		_ = c.Close()
	}()

	go c.pingLoop()
	c.readLoop(ctx)
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.closed {
				c.writeMu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debugw("ping failed", "user_id", c.userID, "conn", c.id, "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugw("read error", "user_id", c.userID, "conn", c.id, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.reply(ctx, model.EnvelopeError, map[string]string{"error": "rate limited"})
			continue
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *Conn) handle(ctx context.Context, in inbound) {
	switch in.Type {
	case model.EnvelopePing:
		c.reply(ctx, model.EnvelopePong, nil)

	case model.EnvelopeMarkRead:
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(in.Payload, &body); err != nil || body.ID == "" {
			c.reply(ctx, model.EnvelopeError, map[string]string{"error": "mark_read needs payload.id"})
			return
		}
		if _, err := c.hub.MarkRead(ctx, body.ID, c.userID); err != nil {
			c.log.Warnw("mark read over ws failed", "user_id", c.userID, "id", body.ID, "error", err)
			c.reply(ctx, model.EnvelopeError, map[string]string{"error": "try again later"})
		}

	case model.EnvelopeNotification, model.EnvelopeRead, model.EnvelopeError, model.EnvelopePong:
		c.reply(ctx, model.EnvelopeError, map[string]string{"error": "reserved message type"})

	default:
		// relay to every device of the same user
		c.hub.Push(ctx, c.userID, model.Envelope{Type: in.Type, Payload: in.Payload, Timestamp: time.Now().UTC()})
	}
}

func (c *Conn) reply(ctx context.Context, typ string, payload any) {
	env, err := model.NewEnvelope(typ, payload, time.Now())
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.Send(sctx, env); err != nil {
		c.log.Debugw("reply failed", "user_id", c.userID, "conn", c.id, "error", err)
		_ = c.Close()
	}
}
