package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"traffic_marl/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards summaries to a topic keyed by run id. Writes happen on
// a background goroutine; a full queue drops the summary.
type KafkaSink struct {
	writer  messageWriter
	queue   chan domain.StepSummary
	logger  *log.Logger
	dropped atomic.Int64
	failed  atomic.Int64
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func NewKafkaSink(brokers []string, topic string, buffer int, logger *log.Logger) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, buffer, logger)
}

func newKafkaSink(w messageWriter, buffer int, logger *log.Logger) *KafkaSink {
	if logger == nil {
		logger = log.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &KafkaSink{
		writer:  w,
		queue:   make(chan domain.StepSummary, buffer),
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) Publish(sum domain.StepSummary) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- sum:
	default:
		s.dropped.Add(1)
	}
}

func (s *KafkaSink) Dropped() int64 { return s.dropped.Load() }
func (s *KafkaSink) Failed() int64  { return s.failed.Load() }

func (s *KafkaSink) run() {
	defer close(s.stopped)
	for {
		select {
		case sum := <-s.queue:
			s.write(sum)
		case <-s.done:
			for {
				select {
				case sum := <-s.queue:
					s.write(sum)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaSink) write(sum domain.StepSummary) {
	value, err := json.Marshal(sum)
	if err != nil {
		s.failed.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(sum.RunID), Value: value, Time: sum.Timestamp}); err != nil {
		if s.failed.Add(1) == 1 {
			s.logger.Printf("dashboard kafka write failed run_id=%s: %v", sum.RunID, err)
		}
	}
}

// Close flushes queued summaries and closes the writer.
func (s *KafkaSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		select {
		case <-s.stopped:
		case <-time.After(5 * time.Second):
			s.logger.Printf("dashboard kafka flush timed out queued=%d", len(s.queue))
		}
		err = s.writer.Close()
	})
	return err
}
