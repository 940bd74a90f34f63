// ws.go implements the game's WebSocket transport.
//
// A Dialer opens one connection and runs the game handshake:
//
//	client → {"event":"connection","data":{"alias","player_id","token"}}
//	server → {"event":"connection","data":{"player_id": <ours>}}
//	client → {"event":"start","data":{"player_id"}}
//
// The resulting Conn exposes a pull-style Next for inbound frames and a
// rate-limited, deadline-bounded Send. A background reader owns the socket
// reads; a read deadline (extended by every frame and every pong) detects a
// silent server. Conn never reconnects on its own: the engine owns the
// reconnect policy so it can expire pending orders when a connection dies.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"tipoff/internal/config"
	"tipoff/pkg/types"
)

const (
	inboundBufferSize = 256 // frames read ahead of the engine
	closeGrace        = time.Second
)

// Credentials identify the player during the handshake.
type Credentials struct {
	PlayerID string
	Alias    string
	Token    string
}

// Options tunes timeouts and outbound throttling. See config.TransportConfig.
type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	SendTimeout      time.Duration
	SendRate         float64
	SendBurst        float64
}

// Dialer opens game connections. It is safe to call Dial repeatedly; each
// call returns an independent Conn.
type Dialer struct {
	Endpoint    string
	Credentials Credentials
	Options     Options

	logger *slog.Logger
}

// NewDialer builds a Dialer from the loaded configuration.
func NewDialer(cfg *config.Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		Endpoint: cfg.Game.Endpoint,
		Credentials: Credentials{
			PlayerID: cfg.Game.PlayerID,
			Alias:    cfg.Game.Alias,
			Token:    cfg.Game.Token,
		},
		Options: Options{
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			ReadTimeout:      cfg.Transport.ReadTimeout,
			PingInterval:     cfg.Transport.PingInterval,
			SendTimeout:      cfg.Transport.SendTimeout,
			SendRate:         cfg.Transport.SendRate,
			SendBurst:        cfg.Transport.SendBurst,
		},
		logger: logger.With("component", "ws"),
	}
}

// Protocol returns the frame builder for this dialer's player.
func (d *Dialer) Protocol() Protocol {
	return Protocol{
		PlayerID: d.Credentials.PlayerID,
		Alias:    d.Credentials.Alias,
		Token:    d.Credentials.Token,
	}
}

// Dial connects and completes the handshake. Failures are *ConnectionError;
// Fatal is set when retrying cannot help: a malformed endpoint, a 4xx
// upgrade response, or a handshake the server never completed. A cancelled
// ctx is never fatal.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, &ConnectionError{Endpoint: d.Endpoint, Fatal: true, Err: fmt.Errorf("parse endpoint: %w", err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &ConnectionError{Endpoint: d.Endpoint, Fatal: true, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	wsd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Options.HandshakeTimeout,
	}
	ws, resp, err := wsd.DialContext(ctx, d.Endpoint, nil)
	if err != nil {
		fatal := false
		if resp != nil {
			resp.Body.Close()
			// 4xx: the server understood and refused us (bad path, bad player)
			fatal = resp.StatusCode >= 400 && resp.StatusCode < 500
			err = fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial: %w", err)
		}
		return nil, &ConnectionError{Endpoint: d.Endpoint, Fatal: fatal, Err: err}
	}

	c := newConn(ws, d.Options, d.logger)
	if err := c.handshake(ctx, d.Protocol(), d.Options.HandshakeTimeout); err != nil {
		c.Close()
		// the server accepted the socket but would not admit this player
		return nil, &ConnectionError{Endpoint: d.Endpoint, Fatal: ctx.Err() == nil, Err: err}
	}

	d.logger.Info("websocket connected", "endpoint", d.Endpoint, "player", d.Credentials.PlayerID)
	return c, nil
}

// Conn is one live game connection. Next must be called from a single
// goroutine; Send and Close are safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu sync.Mutex // serializes data frames

	frames  chan types.RawMessage
	backlog []types.RawMessage // frames read during the handshake

	readDone chan struct{} // closed when the reader exits
	readErr  error         // valid after readDone is closed

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:       ws,
		opts:     opts,
		limiter:  NewSendLimiter(opts.SendRate, opts.SendBurst),
		logger:   logger,
		frames:   make(chan types.RawMessage, inboundBufferSize),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// Next blocks until the next inbound frame. It returns ctx.Err() as soon as
// ctx is done and an error wrapping ErrStreamClosed once the peer is gone.
// Frames already read are delivered before the close is reported.
func (c *Conn) Next(ctx context.Context) (types.RawMessage, error) {
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		return msg, nil
	}
	return c.recv(ctx)
}

// recv reads straight from the socket reader, bypassing the backlog.
func (c *Conn) recv(ctx context.Context) (types.RawMessage, error) {
	select {
	case <-ctx.Done():
		return types.RawMessage{}, ctx.Err()
	case msg := <-c.frames:
		return msg, nil
	case <-c.readDone:
		select {
		case msg := <-c.frames:
			return msg, nil
		default:
		}
		return types.RawMessage{}, fmt.Errorf("%w: %v", ErrStreamClosed, c.readErr)
	}
}

// Send writes one text frame. The limiter wait and the socket write share a
// single SendTimeout budget.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if !c.open() {
		return fmt.Errorf("%w: %w", ErrSend, ErrNotOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", ErrSend, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.open() {
		return fmt.Errorf("%w: %w", ErrSend, ErrNotOpen)
	}
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSend, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrSend, err)
	}
	return nil
}

// Close tears the connection down. In-flight Next calls return ErrStreamClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) open() bool {
	select {
	case <-c.closed:
		return false
	case <-c.readDone:
		return false
	default:
		return true
	}
}

func (c *Conn) handshake(ctx context.Context, p Protocol, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	frame, err := p.ConnectionFrame()
	if err != nil {
		return err
	}
	if err := c.Send(ctx, frame); err != nil {
		return fmt.Errorf("send connection: %w", err)
	}

	for {
		msg, err := c.recv(ctx)
		if err != nil {
			return fmt.Errorf("await connection echo: %w", err)
		}
		if isConnectionEcho(msg.Data, p.PlayerID) {
			break
		}
		// keep anything that raced the echo for the engine
		c.backlog = append(c.backlog, msg)
	}

	frame, err = p.StartFrame()
	if err != nil {
		return err
	}
	if err := c.Send(ctx, frame); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	return nil
}

func isConnectionEcho(data []byte, playerID string) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	env := gjson.ParseBytes(data)
	return env.Get("event").String() == "connection" &&
		env.Get("data.player_id").String() == playerID
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		if err := c.extendReadDeadline(); err != nil {
			c.readErr = err
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		select {
		case c.frames <- types.RawMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.closed:
			c.readErr = ErrStreamClosed
			return
		}
	}
}

func (c *Conn) extendReadDeadline() error {
	if c.opts.ReadTimeout <= 0 {
		return nil
	}
	return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.SendTimeout)); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
