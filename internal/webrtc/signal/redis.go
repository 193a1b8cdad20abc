package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	predis "github.com/bigbluebutton/bbb-consult-session/internal/pubsub/redis"
	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
	"github.com/titanous/json5"
)

var _ Relay = (*RedisRelay)(nil)

// appendScript stamps the next room sequence, appends the envelope to the
// room log and publishes it. Running it as one script keeps sequence, log
// and publish order identical.
var appendScript = redis.NewScript(2, `
local seq = redis.call('INCR', KEYS[1])
local env = '{"seq":' .. seq .. ',"msg":' .. ARGV[1] .. '}'
redis.call('RPUSH', KEYS[2], env)
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
redis.call('PUBLISH', ARGV[3], env)
return seq
`)

type envelope struct {
	Seq int64   `json:"seq"`
	Msg Message `json:"msg"`
}

// RedisRelay persists each room as a sequence counter plus a list, and fans
// out through a pub/sub channel.
type RedisRelay struct {
	client *predis.PubSub
	prefix string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisRelay(client *predis.PubSub, prefix string, ttl time.Duration) *RedisRelay {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{client: client, prefix: prefix, ttl: ttl, ctx: ctx, cancel: cancel}
}

func (r *RedisRelay) seqKey(room string) string  { return r.prefix + room + ":seq" }
func (r *RedisRelay) logKey(room string) string  { return r.prefix + room + ":log" }
func (r *RedisRelay) channel(room string) string { return r.prefix + room }

func decodeEnvelope(data []byte) (Message, error) {
	var env envelope
	if err := json5.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	env.Msg.Seq = env.Seq
	return env.Msg, nil
}

func (r *RedisRelay) backlog(room string) ([]Message, error) {
	entries, err := redis.ByteSlices(r.client.Do("LRANGE", r.logKey(room), 0, -1))
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		m, err := decodeEnvelope(e)
		if err != nil {
			log.WithField("room", room).Warnf("skipping undecodable room log entry: %v", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *RedisRelay) Join(ctx context.Context, room string, deliver func(Message)) (Subscription, error) {
	q := newQueue(deliver)
	subCtx, cancel := context.WithCancel(r.ctx)
	ready := make(chan error, 1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		err := r.client.ListenChannels(subCtx,
			func() error {
				backlog, err := r.backlog(room)
				if err != nil {
					ready <- err
					return err
				}
				for _, m := range backlog {
					q.push(m)
				}
				ready <- nil
				return nil
			},
			func(channel string, data []byte) error {
				m, err := decodeEnvelope(data)
				if err != nil {
					log.WithField("room", room).Warnf("dropping undecodable relay message: %v", err)
					return nil
				}
				q.push(m)
				return nil
			},
			r.channel(room))

		if err != nil && subCtx.Err() == nil {
			log.WithField("room", room).Errorf("room subscription ended: %v", err)
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			q.close()
			return nil, fmt.Errorf("join room %s: %w", room, err)
		}
	case <-ctx.Done():
		cancel()
		q.close()
		return nil, ctx.Err()
	}

	return &redisSub{cancel: cancel, q: q}, nil
}

func (r *RedisRelay) Send(ctx context.Context, room string, msg Message) error {
	if r.ctx.Err() != nil {
		return ErrRelayClosed
	}

	msg.Room = room
	msg.Seq = 0
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.client.Eval(appendScript,
			r.seqKey(room), r.logKey(room),
			b, int64(r.ttl/time.Second), r.channel(room))
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Join(ctx.Err(), errors.New("relay send outcome unknown"))
	}
}

func (r *RedisRelay) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}

type redisSub struct {
	cancel context.CancelFunc
	q      *queue
	once   sync.Once
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.q.close()
	})
	return nil
}
