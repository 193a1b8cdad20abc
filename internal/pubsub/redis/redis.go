package redis

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
)

// A ping is set to the server with this period to test for the health of
// the connection and server.
const healthCheckPeriod = time.Minute

const (
	maxIdleConns   = 8
	idleConnExpiry = 5 * time.Minute
)

// PubSub is a redis client. Commands share a connection pool; every
// subscription holds a dedicated connection.
type PubSub struct {
	network  string
	address  string
	password string
	pool     *redis.Pool
}

func NewPubSub(network, address string, password string) (*PubSub, error) {
	p := &PubSub{
		network:  network,
		address:  address,
		password: password,
	}
	p.pool = &redis.Pool{
		MaxIdle:     maxIdleConns,
		IdleTimeout: idleConnExpiry,
		Dial:        p.dial,
		TestOnBorrow: func(c redis.Conn, idleSince time.Time) error {
			if time.Since(idleSince) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	if err := p.Check(); err != nil {
		_ = p.pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PubSub) dial() (redis.Conn, error) {
	return redis.Dial(p.network, p.address,
		// Read timeout on server should be greater than ping period.
		redis.DialReadTimeout(healthCheckPeriod+10*time.Second),
		redis.DialWriteTimeout(10*time.Second),
		redis.DialPassword(p.password))
}

// ListenChannels subscribes to channels until ctx is done. onStart runs on the
// receive goroutine once every channel is subscribed and before any message
// is handed to onMessage.
func (p *PubSub) ListenChannels(ctx context.Context,
	onStart func() error,
	onMessage func(channel string, data []byte) error,
	channels ...string) error {

	c, err := p.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	psc := redis.PubSubConn{Conn: c}

	if err := psc.Subscribe(redis.Args{}.AddFlat(channels)...); err != nil {
		return err
	}

	done := make(chan error, 1)

	// Start a goroutine to receive notifications from the server.
	go func() {
		for {
			switch n := psc.Receive().(type) {
			case error:
				done <- n
				return
			case redis.Message:
				if err := onMessage(n.Channel, n.Data); err != nil {
					done <- err
					return
				}
			case redis.Subscription:
				switch n.Count {
				case len(channels):
					// Notify application when all channels are subscribed.
					if err := onStart(); err != nil {
						done <- err
						return
					}
				case 0:
					// Return from the goroutine when all channels are unsubscribed.
					done <- nil
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(healthCheckPeriod)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			// Send ping to test health of connection and server. If
			// corresponding pong is not received, then receive on the
			// connection will timeout and the receive goroutine will exit.
			if err = psc.Ping(""); err != nil {
				break loop
			}
		case <-ctx.Done():
			break loop
		case err := <-done:
			// Return error from the receive goroutine.
			return err
		}
	}

	// Signal the receiving goroutine to exit by unsubscribing from all channels.
	if err := psc.Unsubscribe(); err != nil {
		return err
	}

	// Wait for goroutine to complete.
	return <-done
}

func (p *PubSub) Check() error {
	_, err := p.Do("PING")
	return err
}

func (p *PubSub) Publish(channel string, message []byte) error {
	_, err := p.Do("PUBLISH", channel, message)
	return err
}

// Do runs a single command on a pooled connection.
func (p *PubSub) Do(cmd string, args ...interface{}) (interface{}, error) {
	c := p.pool.Get()
	defer c.Close()

	return c.Do(cmd, args...)
}

// Eval runs a Lua script, which redis executes atomically.
func (p *PubSub) Eval(script *redis.Script, keysAndArgs ...interface{}) (interface{}, error) {
	c := p.pool.Get()
	defer c.Close()

	return script.Do(c, keysAndArgs...)
}

// Close releases the pooled connections. Subscriptions end with their context.
func (p *PubSub) Close() error {
	return p.pool.Close()
}
