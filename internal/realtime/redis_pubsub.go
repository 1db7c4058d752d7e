package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "exam:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance delivery.
type redisPayload struct {
	Origin   string          `json:"origin"`
	Audience Audience        `json:"audience"`
	Data     json.RawMessage `json:"data"`
	At       int64           `json:"at"`
}

// RedisPubSub implements Publisher and Subscriber using Redis pub/sub. Frames published by this
// instance are skipped on receipt since the hub already delivered them locally.
type RedisPubSub struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for exam rooms.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, origin: uuid.New().String(), logger: logger}
}

func examChannel(examID string) string {
	return channelPrefix + examID
}

func (r *RedisPubSub) encode(audience Audience, payload []byte) ([]byte, error) {
	return json.Marshal(redisPayload{Origin: r.origin, Audience: audience, Data: payload, At: time.Now().Unix()})
}

// decode returns ok=false for malformed payloads and for frames this instance published.
func (r *RedisPubSub) decode(raw string) (redisPayload, bool) {
	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		r.logger.Debug("invalid exam event payload", zap.Error(err))
		return p, false
	}
	if p.Origin == r.origin {
		return p, false
	}
	return p, true
}

// PublishExamEvent publishes a frame to the exam's Redis channel.
func (r *RedisPubSub) PublishExamEvent(examID string, audience Audience, payload []byte) error {
	body, err := r.encode(audience, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, examChannel(examID), body).Err()
}

// SubscribeExam subscribes to an exam's Redis channel and calls handler for each foreign frame.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeExam(examID string, handler func(audience Audience, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, examChannel(examID))
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if p, ok := r.decode(msg.Payload); ok {
					handler(p.Audience, p.Data)
				}
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
