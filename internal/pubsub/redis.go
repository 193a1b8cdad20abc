package pubsub

import (
	"context"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub/redis"
	log "github.com/sirupsen/logrus"
)

var _ PubSub = (*Redis)(nil)

type Redis struct {
	config config.Redis
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedis(cfg config.Redis) *Redis {
	r := &Redis{config: cfg}
	if p, err := redis.NewPubSub(cfg.Network, cfg.Address, cfg.Password); err != nil {
		log.Fatalf("failed to start redis pubsub: %s", err)
	} else {
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.pubsub = p
	}
	return r
}

func (r *Redis) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	return r.pubsub.ListenChannels(r.ctx, onStart,
		func(channel string, message []byte) error {
			handler(r.ctx, message)
			return nil
		},
		channel)
}

func (r *Redis) Publish(channel string, message []byte) error {
	return r.pubsub.Publish(channel, message)
}

func (r *Redis) Check() error {
	return r.pubsub.Check()
}

func (r *Redis) Close() error {
	r.cancel()
	return r.pubsub.Close()
}

var _ PubSub = (*Nop)(nil)

// Nop drops published events. Used when no downstream consumer is configured.
type Nop struct{}

func (*Nop) Subscribe(channel string, handler PubSubHandler, onStart func() error) error {
	return onStart()
}
func (*Nop) Publish(channel string, message []byte) error { return nil }
func (*Nop) Check() error                                 { return nil }
func (*Nop) Close() error                                 { return nil }
