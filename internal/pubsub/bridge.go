package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabd/internal/protocol"
)

// Bridge mirrors router traffic over Redis pub/sub so multiple collabd
// processes can fan events out to each other's clients. Each local publish is
// forwarded to "<prefix>.<channel>"; envelopes received from Redis are
// re-injected into the local router without being forwarded again.
type Bridge struct {
	client *redis.Client
	prefix string
	origin string
	router *Router

	ctx    context.Context
	cancel context.CancelFunc
	sub    *redis.PubSub
}

// BridgeConfig configures the Redis bridge.
type BridgeConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// bridgeFrame wraps an envelope with the publishing process identity so a
// process can skip its own frames coming back off the wire.
type bridgeFrame struct {
	Origin   string             `json:"origin"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// NewBridge connects to Redis and starts relaying envelopes for the router.
func NewBridge(cfg BridgeConfig, router *Router) (*Bridge, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "collabd"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("connect redis bridge: %w", err)
	}

	b := &Bridge{
		client: client,
		prefix: cfg.Prefix,
		origin: uuid.NewString(),
		router: router,
		ctx:    ctx,
		cancel: cancel,
	}

	b.sub = client.PSubscribe(ctx, cfg.Prefix+".*")
	go b.relayLoop()

	router.SetBridge(b)
	return b, nil
}

// Forward publishes a local envelope to the Redis side of the channel.
func (b *Bridge) Forward(channel string, e *protocol.Envelope) {
	data, err := json.Marshal(bridgeFrame{Origin: b.origin, Envelope: e})
	if err != nil {
		return
	}
	// Fire and forget; bridge loss degrades to single-process fan-out.
	b.client.Publish(b.ctx, b.prefix+"."+channel, data)
}

func (b *Bridge) relayLoop() {
	for msg := range b.sub.Channel() {
		var frame bridgeFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			continue
		}
		if frame.Origin == b.origin || frame.Envelope == nil {
			continue
		}
		channel := strings.TrimPrefix(msg.Channel, b.prefix+".")
		b.router.publishLocal(channel, frame.Envelope)
	}
}

// Close stops the relay and disconnects from Redis.
func (b *Bridge) Close() error {
	b.cancel()
	if b.sub != nil {
		b.sub.Close()
	}
	return b.client.Close()
}
