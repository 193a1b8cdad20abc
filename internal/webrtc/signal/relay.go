package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub"
	"github.com/mitchellh/mapstructure"
)

// Relay is the external message relay shared by both participants.
//
// Join subscribes to a room and delivers, in sequence order, every message
// already persisted for the room followed by live ones. Every subscriber,
// the sender included, receives every message. A message may be delivered
// more than once.
type Relay interface {
	Join(ctx context.Context, room string, deliver func(Message)) (Subscription, error)
	Send(ctx context.Context, room string, msg Message) error
	Close() error
}

type Subscription interface {
	Close() error
}

// Publisher is implemented by subscriptions that own their outbound path.
// A Channel joined through one sends on it instead of Relay.Send.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

func NewRelay(cfg config.Signaling, ps config.PubSub) (Relay, error) {
	switch cfg.Adapter {
	case "redis":
		rc, err := pubsub.RedisConfig(ps)
		if err != nil {
			return nil, err
		}
		client, err := pubsub.NewRedisClient(rc)
		if err != nil {
			return nil, err
		}
		return NewRedisRelay(client, cfg.ChannelPrefix, cfg.LogTTL), nil
	case "websocket":
		c := config.WebSocketRelay{}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
			Result:     &c,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(cfg.Adapters["websocket"]); err != nil {
			return nil, err
		}
		return NewWebSocketRelay(c), nil
	case "memory":
		return NewMemoryRelay(), nil
	default:
		return nil, fmt.Errorf("unknown signaling adapter '%s'", cfg.Adapter)
	}
}

// queue hands messages to a delivery callback on its own goroutine, keeping
// their order and never blocking the producer.
type queue struct {
	mu      sync.Mutex
	items   []Message
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	deliver func(Message)
}

func newQueue(deliver func(Message)) *queue {
	q := &queue{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go q.run()
	return q
}

func (q *queue) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.stop:
				return
			default:
			}
			q.deliver(m)
		}
	}
}

func (q *queue) close() {
	q.once.Do(func() {
		close(q.stop)
	})
	<-q.done
}
