package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	redisChannelPrefix = "carevoice:activity:"
	redisUnassigned    = "_unassigned"
)

// RedisFeed fans activity out over Redis pub/sub, one channel per clinician.
// It is both a Publisher and a Feed so several API replicas share one stream.
type RedisFeed struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisFeed(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisFeed{client: client, logger: logger.With().Str("feed", "redis").Logger()}, nil
}

func redisChannel(clinicianID string) string {
	if clinicianID == "" {
		clinicianID = redisUnassigned
	}
	return redisChannelPrefix + clinicianID
}

func (f *RedisFeed) Publish(ctx context.Context, event RawEvent) error {
	payload, err := EncodeRawEvent(event)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, redisChannel(event.ClinicianID), payload).Err(); err != nil {
		return fmt.Errorf("publish activity: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (<-chan RawEvent, func(), error) {
	var pubsub *redis.PubSub
	if filter.ClinicianID == "" {
		pubsub = f.client.PSubscribe(ctx, redisChannelPrefix+"*")
	} else {
		pubsub = f.client.Subscribe(ctx, redisChannel(filter.ClinicianID), redisChannel(""))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe activity: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan RawEvent, 32)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					f.logger.Warn().Msg("subscription closed")
					return
				}
				event, err := DecodeRawEvent([]byte(msg.Payload))
				if err != nil {
					f.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("ignoring malformed message")
					continue
				}
				if !filter.Match(event) {
					continue
				}
				select {
				case out <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
