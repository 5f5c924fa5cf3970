package messaging

import (
	"errors"
	"testing"
	"time"

	"traffic_marl/internal/domain"
)

func TestEncodeDecodeStateUpdate(t *testing.T) {
	msg := domain.Message{
		ID:        "m1",
		Sender:    "J1_center",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Type:      domain.MessageTypeStateUpdate,
		State:     &domain.StateUpdate{Queue: []float64{1, 2, 3, 4}, CurrentPhase: 2, IntendedAction: 4},
	}
	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sender != msg.Sender || got.State == nil || got.State.IntendedAction != 4 || len(got.State.Queue) != 4 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("timestamp=%v want=%v", got.Timestamp, msg.Timestamp)
	}
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	msg := domain.Message{Type: domain.MessageTypePrediction, State: &domain.StateUpdate{}}
	if _, err := Encode(msg); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if err := Validate(domain.Message{Type: "gossip"}); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xc1, 0x00}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOutboxTopic(t *testing.T) {
	if got := OutboxTopic("traffic", "J2_center"); got != "traffic/J2_center/out" {
		t.Fatalf("topic=%q", got)
	}
}
