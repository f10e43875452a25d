package configstore

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// configChangedChannel is the pub/sub channel the external CRUD layer
// publishes to after a successful write, grounded on the teacher's
// store/redis.go key-naming convention.
const configChangedChannel = "irrigation:config:changed"

// RedisNotifier turns Redis pub/sub messages into the Store.Changes signal
// for backends (like PostgresStore) that have no push mechanism of their
// own (spec §6: "the store emits a change notification... on any write").
type RedisNotifier struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisNotifier connects to addr. It does not itself hold configuration
// data; pair it with a snapshot-capable Store via WithNotifier.
func NewRedisNotifier(ctx context.Context, addr, password string, db int) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisNotifier{client: client}, nil
}

// Publish announces that configuration changed. Called by the external
// CRUD layer after a successful write; the core never calls this itself.
func (n *RedisNotifier) Publish(ctx context.Context) error {
	return n.client.Publish(ctx, configChangedChannel, "1").Err()
}

// Subscribe returns a channel that fires once per published change,
// closing when ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.client.Subscribe(ctx, configChangedChannel)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// notifiedStore pairs a snapshot-only Store (e.g. PostgresStore) with a
// RedisNotifier so the combination satisfies the full Store interface.
type notifiedStore struct {
	Store
	notifier *RedisNotifier
}

// WithNotifier wraps a snapshot-only Store so its Changes channel is
// driven by Redis pub/sub instead of an in-process notify list.
func WithNotifier(s Store, n *RedisNotifier) Store {
	return &notifiedStore{Store: s, notifier: n}
}

func (n *notifiedStore) Changes(ctx context.Context) <-chan struct{} {
	return n.notifier.Subscribe(ctx)
}
