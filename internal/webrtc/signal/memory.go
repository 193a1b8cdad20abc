package signal

import (
	"context"
	"sync"
)

var _ Relay = (*MemoryRelay)(nil)

// MemoryRelay relays between controllers of the same process.
type MemoryRelay struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	closed bool
}

type memoryRoom struct {
	seq  int64
	log  []Message
	subs map[*memorySub]struct{}
}

type memorySub struct {
	relay *MemoryRelay
	room  string
	q     *queue
	once  sync.Once
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{rooms: make(map[string]*memoryRoom)}
}

func (r *MemoryRelay) room(id string) *memoryRoom {
	room, ok := r.rooms[id]
	if !ok {
		room = &memoryRoom{subs: make(map[*memorySub]struct{})}
		r.rooms[id] = room
	}
	return room
}

func (r *MemoryRelay) Join(ctx context.Context, room string, deliver func(Message)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRelayClosed
	}

	rm := r.room(room)
	sub := &memorySub{relay: r, room: room, q: newQueue(deliver)}
	for _, m := range rm.log {
		sub.q.push(m)
	}
	rm.subs[sub] = struct{}{}

	return sub, nil
}

func (r *MemoryRelay) Send(ctx context.Context, room string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}

	rm := r.room(room)
	rm.seq++
	msg.Seq = rm.seq
	msg.Room = room
	rm.log = append(rm.log, msg)

	for sub := range rm.subs {
		sub.q.push(msg)
	}

	return nil
}

// Log returns a copy of the persisted messages of a room.
func (r *MemoryRelay) Log(room string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return append([]Message(nil), rm.log...)
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	var subs []*memorySub
	for _, rm := range r.rooms {
		for sub := range rm.subs {
			subs = append(subs, sub)
		}
	}
	r.closed = true
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.relay.mu.Lock()
		if rm, ok := s.relay.rooms[s.room]; ok {
			delete(rm.subs, s)
		}
		s.relay.mu.Unlock()
		s.q.close()
	})
	return nil
}
