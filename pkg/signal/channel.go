package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/yapchat/yap/pkg/logger"
)

const (
	writeWait = 10 * time.Second
	// inbound messages buffered ahead of a slow consumer
	inboundBuffer = 64
)

var (
	ErrNotConnected = errors.New("signaling channel closed")
)

// Channel is one websocket carrying signaling envelopes. Inbound frames
// are decoded in arrival order; malformed ones are logged and dropped.
type Channel struct {
	conn   *websocket.Conn
	stream websocketjsonrpc2.ObjectStream
	log    logr.Logger

	wmu  sync.Mutex
	msgs chan Message
	done chan struct{}

	mu              sync.Mutex
	closed          bool
	err             error
	onClose         []func()
	onProtocolError func(error)
}

// Dial connects to a relay websocket endpoint. name, when set, is passed as
// the name query parameter.
func Dial(ctx context.Context, rawURL, name string) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signal url: %w", err)
	}
	if name != "" {
		q := u.Query()
		q.Set("name", name)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Host, err)
	}
	return NewChannel(conn, 0), nil
}

// NewChannel takes ownership of conn. A non zero pingInterval makes the
// channel ping its peer and treat a missing pong as a transport fault.
func NewChannel(conn *websocket.Conn, pingInterval time.Duration) *Channel {
	c := &Channel{
		conn:   conn,
		stream: websocketjsonrpc2.NewObjectStream(conn),
		log:    logger.GetLogger().WithName("signal"),
		msgs:   make(chan Message, inboundBuffer),
		done:   make(chan struct{}),
	}

	if pingInterval > 0 {
		pongWait := pingInterval * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop(pingInterval)
	}

	go c.readLoop()
	return c
}

// Messages yields inbound messages until the channel closes.
// The sequence cannot be restarted.
func (c *Channel) Messages() <-chan Message {
	return c.msgs
}

// Done is closed once the channel is closed for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport fault that closed the channel, nil while open
// or after a local Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnClose registers f to run exactly once when the channel closes. Resources
// scoped to the session hang off this hook.
func (c *Channel) OnClose(f func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	f()
}

// OnProtocolError registers f to see every dropped frame's decode error.
func (c *Channel) OnProtocolError(f func(error)) {
	c.mu.Lock()
	c.onProtocolError = f
	c.mu.Unlock()
}

// Send writes one message. Writes are serialized.
func (c *Channel) Send(m Message) error {
	env, err := Encode(m)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.stream.WriteObject(env); err != nil {
		c.shutdown(fmt.Errorf("writing %s: %w", env.Event, err))
		return err
	}
	c.log.V(1).Info("sent", "event", env.Event)
	return nil
}

// Close is idempotent.
func (c *Channel) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()

	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	hooks := c.onClose
	c.onClose = nil
	close(c.done)
	c.mu.Unlock()

	if cause != nil {
		c.log.Error(cause, "signaling channel closed")
	}
	_ = c.stream.Close()
	for _, f := range hooks {
		f()
	}
}

func (c *Channel) readLoop() {
	defer close(c.msgs)

	for {
		var env Envelope
		if err := c.stream.ReadObject(&env); err != nil {
			if isFrameError(err) {
				c.dropFrame(malformedFrame(err))
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}

		msg, err := DecodeEnvelope(env)
		if err != nil {
			c.dropFrame(err)
			continue
		}

		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// isFrameError reports whether err came from decoding one frame rather
// than from the connection. An empty or truncated frame reads as
// io.ErrUnexpectedEOF, the same as an abnormal closure, and ends the
// channel.
func isFrameError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (c *Channel) dropFrame(err error) {
	c.log.V(1).Info("dropping signaling frame", "reason", err.Error())
	c.mu.Lock()
	f := c.onProtocolError
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

func (c *Channel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
