package main

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/waypointhq/waypoint/common/engine"
	"github.com/waypointhq/waypoint/common/logger"
)

// Subscriber listens to the run event channel and forwards each event to
// the hub under its run topic, its flow topic, and the firehose.
type Subscriber struct {
	redis *redis.Client
	hub   *Hub
	log   *logger.Logger
}

// NewSubscriber creates a new Subscriber instance
func NewSubscriber(redisClient *redis.Client, hub *Hub, log *logger.Logger) *Subscriber {
	return &Subscriber{
		redis: redisClient,
		hub:   hub,
		log:   log,
	}
}

type runEvent struct {
	RunID  string `json:"runId"`
	FlowID string `json:"flowId"`
	Event  string `json:"event"`
	At     string `json:"at"`
}

// Start subscribes and pumps events until the context is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	pubsub := s.redis.Subscribe(ctx, engine.RunEventChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("subscribed to run events", "channel", engine.RunEventChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward([]byte(msg.Payload))
		}
	}
}

func (s *Subscriber) forward(payload []byte) {
	var ev runEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn("dropping malformed run event", "error", err)
		return
	}

	for _, topic := range []string{"run:" + ev.RunID, "flow:" + ev.FlowID, "*"} {
		s.hub.broadcast <- &Message{Topic: topic, Data: payload}
	}
}
