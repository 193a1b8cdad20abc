package pubsub

import (
	"context"
	"fmt"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub/redis"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
)

type PubSub interface {
	Subscribe(channel string, handler PubSubHandler, onStart func() error) error
	Publish(channel string, message []byte) error
	Check() error
	Close() error
}

type PubSubHandler func(ctx context.Context, message []byte)

func NewPubSub(cfg config.PubSub) PubSub {
	var err error
	var ps PubSub
	switch cfg.Adapter {
	case "redis":
		var c config.Redis
		if c, err = RedisConfig(cfg); err != nil {
			break
		}
		ps = NewRedis(c)
	case "none", "":
		ps = &Nop{}
	default:
		err = fmt.Errorf("unknown pubsub adapter '%s'", cfg.Adapter)
	}
	if err != nil {
		log.Fatalf("failed to decode %s pubsub configuration: %s", cfg.Adapter, err)
		return nil
	}
	return ps
}

// RedisConfig decodes the redis adapter settings, which the signaling relay
// shares with the pubsub.
func RedisConfig(cfg config.PubSub) (config.Redis, error) {
	c := config.Redis{}
	err := mapstructure.Decode(cfg.Adapters["redis"], &c)
	return c, err
}

// NewRedisClient opens the low level client used by the redis signaling relay.
func NewRedisClient(cfg config.Redis) (*redis.PubSub, error) {
	return redis.NewPubSub(cfg.Network, cfg.Address, cfg.Password)
}
