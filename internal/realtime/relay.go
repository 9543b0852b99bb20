package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "chorus:"
	relayChannelSuffix   = "events"
	relayOutboxSize      = 256
)

var (
	errMissingRedisClient = errors.New("realtime: redis client required")
	errMissingDispatcher  = errors.New("realtime: dispatcher required")
)

type relayEnvelope struct {
	Origin string `msgpack:"origin"`
	Event  Event  `msgpack:"event"`
}

// RelayConfig describes a Redis pub/sub relay between instances.
type RelayConfig struct {
	Client        redis.UniversalClient
	ChannelPrefix string
	InstanceID    string
	Dispatcher    *Dispatcher
	Logger        *zap.Logger
}

// RedisRelay mirrors locally published events to other instances and replays theirs locally.
type RedisRelay struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	dispatcher *Dispatcher
	outbox     chan Event
	logger     *zap.Logger
}

// NewRedisRelay validates the configuration; an empty instance id gets a fresh UUIDv7.
func NewRedisRelay(cfg RelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("realtime: instance id: %w", err)
		}
		instanceID = generated.String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     cfg.Client,
		channel:    prefix + relayChannelSuffix,
		instanceID: instanceID,
		dispatcher: cfg.Dispatcher,
		outbox:     make(chan Event, relayOutboxSize),
		logger:     logger,
	}, nil
}

// InstanceID returns the origin id stamped on outgoing envelopes.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Forward queues the event for publication. A full queue drops the event.
func (r *RedisRelay) Forward(event Event) {
	select {
	case r.outbox <- event:
	default:
		r.logger.Warn("realtime relay queue full, dropping event",
			zap.String("room", event.Room),
			zap.String("event_type", string(event.Type)))
	}
}

// Run publishes queued events and replays remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", r.channel, err)
	}
	incoming := subscription.Channel()

	r.logger.Info("realtime relay started",
		zap.String("channel", r.channel),
		zap.String("instance_id", r.instanceID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-r.outbox:
			data, err := r.encode(event)
			if err != nil {
				r.logger.Error("failed to encode relay envelope", zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				r.logger.Warn("failed to publish relay envelope",
					zap.String("room", event.Room),
					zap.Error(err))
			}
		case message, ok := <-incoming:
			if !ok {
				return nil
			}
			r.receive([]byte(message.Payload))
		}
	}
}

func (r *RedisRelay) encode(event Event) ([]byte, error) {
	return msgpack.Marshal(relayEnvelope{Origin: r.instanceID, Event: event})
}

func (r *RedisRelay) receive(data []byte) bool {
	var envelope relayEnvelope
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		r.logger.Warn("failed to decode relay envelope", zap.Error(err))
		return false
	}
	if envelope.Origin == r.instanceID {
		return false
	}
	r.dispatcher.Publish(envelope.Event)
	return true
}
