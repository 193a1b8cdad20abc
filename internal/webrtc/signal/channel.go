package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Channel is one endpoint's view of a room. It hands the handler every
// message of the room exactly once and in sequence order. Echoes of the
// endpoint's own messages are dropped, except its join, which is delivered
// with Self set so the owner learns its position in the room.
type Channel struct {
	relay Relay
	room  string
	role  types.Role
	self  string
	log   *log.Entry

	mu      sync.Mutex
	sub     Subscription
	handler func(Message)
	lastSeq int64
	closed  bool
	stats   appstats.SignalingStats
}

func NewChannel(relay Relay, room string, role types.Role, entry *log.Entry) *Channel {
	self := fmt.Sprintf("%s/%s", role, uuid.NewString())
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Channel{
		relay: relay,
		room:  room,
		role:  role,
		self:  self,
		log:   entry.WithField("endpoint", self),
	}
}

// Self is the endpoint id stamped on outgoing messages.
func (c *Channel) Self() string {
	return c.self
}

func (c *Channel) Room() string {
	return c.room
}

// Join subscribes to the room and announces this endpoint.
func (c *Channel) Join(ctx context.Context, handler func(Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrRelayClosed
	}
	if c.handler != nil {
		c.mu.Unlock()
		return fmt.Errorf("room %s already joined", c.room)
	}
	c.handler = handler
	c.mu.Unlock()

	sub, err := c.relay.Join(ctx, c.room, c.deliver)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrRelayClosed
	}
	c.sub = sub
	c.mu.Unlock()

	return c.Send(ctx, TypeJoin, nil)
}

func (c *Channel) Send(ctx context.Context, typ MessageType, payload interface{}) error {
	c.mu.Lock()
	closed, sub := c.closed, c.sub
	c.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}

	msg := Message{
		Type:   typ,
		From:   c.self,
		Role:   c.role,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = b
	}

	var err error
	if p, ok := sub.(Publisher); ok {
		err = p.Publish(ctx, msg)
	} else {
		err = c.relay.Send(ctx, c.room, msg)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	c.mu.Lock()
	c.stats.MessagesOut++
	c.mu.Unlock()
	appstats.OnSignalingMessage("out", string(typ))
	c.log.Tracef("sent %s", typ)
	return nil
}

func (c *Channel) deliver(m Message) {
	c.mu.Lock()
	if c.closed || c.handler == nil {
		c.mu.Unlock()
		return
	}
	if m.Seq <= c.lastSeq {
		c.stats.Duplicates++
		c.mu.Unlock()
		appstats.OnDroppedMessage("duplicate")
		return
	}
	c.lastSeq = m.Seq

	if m.From == c.self {
		if m.Type != TypeJoin {
			c.mu.Unlock()
			appstats.OnDroppedMessage("self")
			return
		}
		m.Self = true
	}
	c.stats.MessagesIn++
	handler := c.handler
	c.mu.Unlock()

	appstats.OnSignalingMessage("in", string(m.Type))
	c.log.WithField("seq", m.Seq).Tracef("received %s from %s", m.Type, m.From)
	handler(m)
}

// Invalid records a delivered message the owner could not use.
func (c *Channel) Invalid(m Message, err error) {
	c.mu.Lock()
	c.stats.Invalid++
	c.mu.Unlock()
	appstats.OnDroppedMessage("invalid")
	c.log.WithField("seq", m.Seq).Warnf("ignoring %s from %s: %v", m.Type, m.From, err)
}

func (c *Channel) Stats() appstats.SignalingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close leaves the room. Messages still queued are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}
