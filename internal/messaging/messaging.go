package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"traffic_marl/internal/domain"
)

var (
	ErrTopicNotRegistered = errors.New("topic is not registered")
	ErrQueueFull          = errors.New("subscriber queue is full")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrClosed             = errors.New("transport is closed")
)

// Transport moves opaque payloads between agents by topic.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topics ...string) (Subscription, error)
	Close() error
}

// Subscription delivers payloads from every subscribed topic on one channel.
// The channel is closed by Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// OutboxTopic is where agentID publishes its announcements.
func OutboxTopic(prefix, agentID string) string {
	return prefix + "/" + agentID + "/out"
}

// Encode validates that exactly the payload matching msg.Type is set and
// serializes the message with msgpack.
func Encode(msg domain.Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return payload, nil
}

func Decode(payload []byte) (domain.Message, error) {
	var msg domain.Message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := Validate(msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func Validate(msg domain.Message) error {
	set := 0
	if msg.State != nil {
		set++
	}
	if msg.Prediction != nil {
		set++
	}
	if msg.Emergency != nil {
		set++
	}
	var ok bool
	switch msg.Type {
	case domain.MessageTypeStateUpdate:
		ok = msg.State != nil
	case domain.MessageTypePrediction:
		ok = msg.Prediction != nil
	case domain.MessageTypeEmergency:
		ok = msg.Emergency != nil
	default:
		return fmt.Errorf("%q: %w", msg.Type, ErrUnknownMessageType)
	}
	if !ok || set != 1 {
		return fmt.Errorf("message type %s with %d payloads set: %w", msg.Type, set, ErrUnknownMessageType)
	}
	return nil
}
