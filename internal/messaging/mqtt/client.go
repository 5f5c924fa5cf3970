package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"traffic_marl/internal/messaging"
)

// publishWatch bounds how long a background watcher waits on a publish token.
const publishWatch = 5 * time.Second

var ErrNotConnected = errors.New("mqtt client not connected")

type Config struct {
	Broker   string
	ClientID string
	Buffer   int
}

// Transport publishes and subscribes over an MQTT broker with QoS 0.
type Transport struct {
	client paho.Client
	buffer int
	logger *log.Logger

	lateFailures atomic.Int64
}

func Connect(cfg Config, logger *log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Printf("mqtt connection lost broker=%s: %v", cfg.Broker, err)
	})
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	return &Transport{client: client, buffer: cfg.Buffer, logger: logger}, nil
}

// Publish hands payload to the client and returns without waiting on the
// network. Errors known at hand-off are returned; later ones are logged and
// counted in LateFailures.
func (t *Transport) Publish(_ context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	token := t.client.Publish(topic, 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	default:
	}
	go t.watch(topic, token)
	return nil
}

func (t *Transport) watch(topic string, token paho.Token) {
	if !token.WaitTimeout(publishWatch) {
		t.lateFailures.Add(1)
		t.logger.Printf("mqtt publish unconfirmed topic=%s after %s", topic, publishWatch)
		return
	}
	if err := token.Error(); err != nil {
		t.lateFailures.Add(1)
		t.logger.Printf("mqtt publish failed topic=%s: %v", topic, err)
	}
}

// LateFailures counts publishes that failed after Publish returned.
func (t *Transport) LateFailures() int64 {
	return t.lateFailures.Load()
}

func (t *Transport) Subscribe(topics ...string) (messaging.Subscription, error) {
	sub := &subscription{
		client: t.client,
		topics: append([]string(nil), topics...),
		ch:     make(chan []byte, t.buffer),
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = 0
	}
	token := t.client.SubscribeMultiple(filters, sub.handle)
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("subscribe %v: timeout", topics)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}
	return sub, nil
}

func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}

type subscription struct {
	client paho.Client
	topics []string
	mu     sync.Mutex
	closed bool
	ch     chan []byte
}

func (s *subscription) handle(_ paho.Client, msg paho.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- append([]byte(nil), msg.Payload()...):
	default:
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// handle may be running on the paho router; do not hold mu while waiting.
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topics...).WaitTimeout(time.Second)
	}
	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
	return nil
}
