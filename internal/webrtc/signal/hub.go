package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	hubReadLimit  = 64 * 1024
	hubPongWait   = 60 * time.Second
	hubWriteWait  = 10 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
)

// Hub is the server side of WebSocketRelay. It stamps room sequence numbers,
// keeps the room log and broadcasts every message to every connection of the
// room, its sender included.
type Hub struct {
	upgrader websocket.Upgrader
	ttl      time.Duration

	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	seq   int64
	log   []Message
	conns map[*hubConn]struct{}
	evict *time.Timer
}

type hubConn struct {
	conn *websocket.Conn
	q    *queue
}

func NewHub(ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ttl:   ttl,
		rooms: make(map[string]*hubRoom),
	}
}

// Rooms returns the number of rooms currently retained.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, room string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("room", room).Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &hubConn{conn: ws}
	c.q = newQueue(func(m Message) {
		data, err := json.Marshal(m)
		if err != nil {
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = ws.Close()
		}
	})

	h.attach(room, c)
	defer h.detach(room, c)

	done := make(chan struct{})
	defer close(done)
	go h.ping(c, done)

	ws.SetReadLimit(hubReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(hubPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	l := log.WithField("room", room)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warnf("relay connection closed: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(hubPongWait))

		m, err := DecodeMessage(data)
		if err != nil {
			l.Warnf("dropping relay message: %v", err)
			continue
		}
		h.broadcast(room, m)
	}
}

func (h *Hub) ping(c *hubConn, done chan struct{}) {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) attach(room string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[room]
	if !ok {
		rm = &hubRoom{conns: make(map[*hubConn]struct{})}
		h.rooms[room] = rm
	}
	if rm.evict != nil {
		rm.evict.Stop()
		rm.evict = nil
	}
	for _, m := range rm.log {
		c.q.push(m)
	}
	rm.conns[c] = struct{}{}
}

func (h *Hub) detach(room string, c *hubConn) {
	h.mu.Lock()
	rm, ok := h.rooms[room]
	if ok {
		delete(rm.conns, c)
		if len(rm.conns) == 0 {
			rm.evict = time.AfterFunc(h.ttl, func() { h.evict(room, rm) })
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close()
	c.q.close()
}

func (h *Hub) evict(room string, rm *hubRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[room]; ok && cur == rm && len(rm.conns) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) broadcast(room string, m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[room]
	if !ok {
		return
	}
	rm.seq++
	m.Seq = rm.seq
	m.Room = room
	rm.log = append(rm.log, m)

	for c := range rm.conns {
		c.q.push(m)
	}
}

// Close drops every retained room.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, rm := range h.rooms {
		if rm.evict != nil {
			rm.evict.Stop()
		}
		for c := range rm.conns {
			_ = c.conn.Close()
		}
		delete(h.rooms, id)
	}
}
