package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Delivery is one outbound frame addressed to a room, or to every
// connection when Room is empty. Exclude names a connection id that must not
// receive it; ids are unique across instances.
type Delivery struct {
	Room    string          `json:"room,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Broker fans deliveries out to every relay instance, this one included.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe calls deliver for every published Delivery until ctx ends.
	Subscribe(ctx context.Context, deliver func(Delivery)) error
}

var ErrBrokerClosed = errors.New("relay broker closed")

// LocalBroker loops deliveries back into the same process.
type LocalBroker struct {
	ch        chan Delivery
	closeOnce sync.Once
	closed    chan struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		ch:     make(chan Delivery, 256),
		closed: make(chan struct{}),
	}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	select {
	case <-b.closed:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.ch <- d:
		return nil
	case <-b.closed:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, deliver func(Delivery)) error {
	defer b.closeOnce.Do(func() { close(b.closed) })
	for {
		select {
		case d := <-b.ch:
			deliver(d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

const DefaultChannel = "tgchat:relay"

// RedisBroker shares deliveries between instances over one pub/sub channel.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBroker(client *redis.Client, channel string, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{client: client, channel: channel, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(Delivery)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return ErrBrokerClosed
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.logger.Warn("dropping malformed delivery", "channel", b.channel, "error", err)
				continue
			}
			deliver(d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
