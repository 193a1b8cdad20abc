package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var (
	_ Relay     = (*WebSocketRelay)(nil)
	_ Publisher = (*wsConn)(nil)
)

// WebSocketRelay talks to a Hub over one websocket per Join, so several
// endpoints of one process can share a room.
type WebSocketRelay struct {
	cfg    config.WebSocketRelay
	dialer *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]map[*wsConn]struct{}
	closed bool
}

type wsConn struct {
	relay  *WebSocketRelay
	room   string
	conn   *websocket.Conn
	q      *queue
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewWebSocketRelay(cfg config.WebSocketRelay) *WebSocketRelay {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &WebSocketRelay{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:  make(map[string]map[*wsConn]struct{}),
	}
}

func (r *WebSocketRelay) roomURL(room string) (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(room)
	return u.String(), nil
}

func (r *WebSocketRelay) Join(ctx context.Context, room string, deliver func(Message)) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	r.mu.Unlock()

	u, err := r.roomURL(room)
	if err != nil {
		return nil, err
	}

	conn, _, err := r.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &wsConn{
		relay:  r,
		room:   room,
		conn:   conn,
		q:      newQueue(deliver),
		closed: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.q.close()
		_ = conn.Close()
		return nil, ErrRelayClosed
	}
	if r.conns[room] == nil {
		r.conns[room] = make(map[*wsConn]struct{})
	}
	r.conns[room][c] = struct{}{}
	r.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop(r.cfg.PingInterval)

	return c, nil
}

// Send writes through any connection joined to room; the hub fans it out
// to all of them.
func (r *WebSocketRelay) Send(ctx context.Context, room string, msg Message) error {
	r.mu.Lock()
	var c *wsConn
	for c = range r.conns[room] {
		break
	}
	r.mu.Unlock()
	if c == nil {
		return ErrNotJoined
	}
	return c.Publish(ctx, msg)
}

func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	var conns []*wsConn
	for _, set := range r.conns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// Publish writes msg on this connection.
func (c *wsConn) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrNotJoined
	default:
	}

	msg.Room = c.room
	msg.Seq = 0
	return c.writeJSON(ctx, msg)
}

func (c *wsConn) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.WithField("room", c.room).Errorf("relay read error: %v", err)
			}
			return
		}

		m, err := DecodeMessage(data)
		if err != nil {
			log.WithField("room", c.room).Warnf("dropping relay message: %v", err)
			continue
		}
		c.q.push(m)
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.wmu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.WithField("room", c.room).Warnf("relay ping failed: %v", err)
				}
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.closed)

		c.relay.mu.Lock()
		if set := c.relay.conns[c.room]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(c.relay.conns, c.room)
			}
		}
		c.relay.mu.Unlock()

		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.conn.Close()
		c.wg.Wait()
		c.q.close()
	})
	return nil
}
