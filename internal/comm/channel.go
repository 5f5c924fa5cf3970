package comm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"traffic_marl/internal/domain"
	"traffic_marl/internal/messaging"
)

// NeighborFeatures is the fixed width of the neighbor block appended to every
// observation: queue[4], current phase and intended action for one neighbor.
const NeighborFeatures = 10

// PerNeighborFeatures is the width contributed by one neighbor's state update.
const PerNeighborFeatures = 6

var ErrChannelClosed = errors.New("coordination channel is closed")

// MessagePolicy decides whether toAgent accepts a message from fromAgent and
// gives the reason.
type MessagePolicy interface {
	CanMessage(fromAgent, toAgent string, msgType domain.MessageType) (bool, string)
}

type Config struct {
	AgentID      string
	Neighbors    []string
	TopicPrefix  string
	PollInterval time.Duration
	// Policy filters received messages. Nil accepts the Neighbors list.
	Policy MessagePolicy
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "traffic"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

type Stats struct {
	Published       int64 `json:"published"`
	PublishFailures int64 `json:"publish_failures"`
	Received        int64 `json:"received"`
	Dropped         int64 `json:"dropped"`
	DecodeErrors    int64 `json:"decode_errors"`
}

// Channel is one agent's link to its neighbors. Publishing is best effort;
// received messages land in a mailbox keyed by sender where the most recent
// message wins until Drain empties it.
type Channel struct {
	cfg       Config
	transport messaging.Transport
	policy    MessagePolicy
	logger    *log.Logger

	mu      sync.Mutex
	mailbox map[string]domain.Message

	published    atomic.Int64
	failures     atomic.Int64
	received     atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type topicRegistrar interface {
	Register(topic string)
}

// New subscribes to every neighbor's outbox and starts the receive loop.
func New(transport messaging.Transport, cfg Config, logger *log.Logger) (*Channel, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:       cfg,
		transport: transport,
		policy:    cfg.Policy,
		logger:    logger,
		mailbox:   make(map[string]domain.Message),
		done:      make(chan struct{}),
	}
	if c.policy == nil {
		set := make(neighborSet, len(cfg.Neighbors))
		for _, id := range cfg.Neighbors {
			set[id] = struct{}{}
		}
		c.policy = set
	}
	if reg, ok := transport.(topicRegistrar); ok {
		reg.Register(messaging.OutboxTopic(cfg.TopicPrefix, cfg.AgentID))
	}
	sub, err := c.subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe neighbors of %s: %w", cfg.AgentID, err)
	}
	c.wg.Add(1)
	go c.receiveLoop(sub)
	return c, nil
}

func (c *Channel) AgentID() string {
	return c.cfg.AgentID
}

func (c *Channel) Neighbors() []string {
	return append([]string(nil), c.cfg.Neighbors...)
}

func (c *Channel) subscribe() (messaging.Subscription, error) {
	topics := make([]string, 0, len(c.cfg.Neighbors))
	for _, id := range c.cfg.Neighbors {
		topics = append(topics, messaging.OutboxTopic(c.cfg.TopicPrefix, id))
	}
	return c.transport.Subscribe(topics...)
}

// Publish sends one message of msgType to the neighbors. payload must be the
// matching domain payload (value or pointer). Failures are counted and
// logged, never returned.
func (c *Channel) Publish(ctx context.Context, msgType domain.MessageType, payload any) {
	select {
	case <-c.done:
		c.fail(msgType, ErrChannelClosed)
		return
	default:
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		Sender:    c.cfg.AgentID,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
	}
	switch p := payload.(type) {
	case domain.StateUpdate:
		msg.State = &p
	case *domain.StateUpdate:
		msg.State = p
	case domain.PredictionUpdate:
		msg.Prediction = &p
	case *domain.PredictionUpdate:
		msg.Prediction = p
	case domain.EmergencyAlert:
		msg.Emergency = &p
	case *domain.EmergencyAlert:
		msg.Emergency = p
	}
	raw, err := messaging.Encode(msg)
	if err != nil {
		c.fail(msgType, err)
		return
	}
	if err := c.transport.Publish(ctx, messaging.OutboxTopic(c.cfg.TopicPrefix, c.cfg.AgentID), raw); err != nil {
		c.fail(msgType, err)
		return
	}
	c.published.Add(1)
}

func (c *Channel) fail(msgType domain.MessageType, err error) {
	c.failures.Add(1)
	c.logger.Printf("publish failed agent=%s type=%s: %v", c.cfg.AgentID, msgType, err)
}

// Drain returns the mailbox contents and clears it.
func (c *Channel) Drain() map[string]domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.mailbox
	c.mailbox = make(map[string]domain.Message, len(out))
	return out
}

func (c *Channel) Stats() Stats {
	return Stats{
		Published:       c.published.Load(),
		PublishFailures: c.failures.Load(),
		Received:        c.received.Load(),
		Dropped:         c.dropped.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
	}
}

// Close stops the receive loop and releases the subscription. The transport
// itself belongs to the caller.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// receiveLoop owns the subscription. If the transport closes it underneath
// us the loop resubscribes every poll interval until Close.
func (c *Channel) receiveLoop(sub messaging.Subscription) {
	defer c.wg.Done()
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()
	for {
		if sub == nil {
			select {
			case <-c.done:
				return
			case <-time.After(c.cfg.PollInterval):
			}
			next, err := c.subscribe()
			if err != nil {
				continue
			}
			sub = next
		}
		select {
		case <-c.done:
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				c.logger.Printf("subscription closed agent=%s, resubscribing", c.cfg.AgentID)
				sub = nil
				continue
			}
			c.deliver(raw)
		}
	}
}

func (c *Channel) deliver(raw []byte) {
	msg, err := messaging.Decode(raw)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Printf("drop undecodable message agent=%s: %v", c.cfg.AgentID, err)
		return
	}
	if ok, reason := c.policy.CanMessage(msg.Sender, c.cfg.AgentID, msg.Type); !ok {
		c.dropped.Add(1)
		c.logger.Printf("drop message agent=%s sender=%s type=%s: %s", c.cfg.AgentID, msg.Sender, msg.Type, reason)
		return
	}
	c.mu.Lock()
	c.mailbox[msg.Sender] = msg
	c.mu.Unlock()
	c.received.Add(1)
}

type neighborSet map[string]struct{}

func (n neighborSet) CanMessage(fromAgent, toAgent string, _ domain.MessageType) (bool, string) {
	if fromAgent == toAgent {
		return false, "self messages are ignored"
	}
	if _, ok := n[fromAgent]; !ok {
		return false, fromAgent + " is not a neighbor of " + toAgent
	}
	return true, "neighbor"
}
