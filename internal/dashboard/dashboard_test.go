package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"traffic_marl/internal/domain"
)

func TestHubSendsHistoryThenLiveSteps(t *testing.T) {
	hub := NewHub(2, 8, log.New(io.Discard, "", 0))
	defer hub.Close()
	for step := 1; step <= 3; step++ {
		hub.Publish(domain.StepSummary{RunID: "r1", Step: step})
	}

	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame.Type != FrameHistory || len(frame.Steps) != 2 || frame.Steps[0].Step != 2 {
		t.Fatalf("unexpected history frame: %+v", frame)
	}

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })
	hub.Publish(domain.StepSummary{RunID: "r1", Step: 4})
	frame = readFrame(t, conn)
	if frame.Type != FrameStep || len(frame.Steps) != 1 || frame.Steps[0].Step != 4 {
		t.Fatalf("unexpected step frame: %+v", frame)
	}

	conn.Close()
	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 0 })
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaSinkFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, 16, log.New(io.Discard, "", 0))
	for step := 1; step <= 5; step++ {
		sink.Publish(domain.StepSummary{RunID: "r7", Step: step})
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed || len(w.msgs) != 5 {
		t.Fatalf("expected 5 flushed messages and closed writer, got %d closed=%v", len(w.msgs), w.closed)
	}
	if string(w.msgs[0].Key) != "r7" {
		t.Fatalf("key=%q", w.msgs[0].Key)
	}
	var sum domain.StepSummary
	if err := json.Unmarshal(w.msgs[4].Value, &sum); err != nil || sum.Step != 5 {
		t.Fatalf("unexpected payload %s err=%v", w.msgs[4].Value, err)
	}
	sink.Publish(domain.StepSummary{RunID: "r7", Step: 6})
}

func TestKafkaSinkCountsFailures(t *testing.T) {
	w := &fakeWriter{fail: true}
	sink := newKafkaSink(w, 4, log.New(io.Discard, "", 0))
	sink.Publish(domain.StepSummary{RunID: "r"})
	sink.Publish(domain.StepSummary{RunID: "r"})
	_ = sink.Close()
	if sink.Failed() != 2 {
		t.Fatalf("failed=%d", sink.Failed())
	}
}

type countingSink struct{ n int }

func (c *countingSink) Publish(domain.StepSummary) { c.n++ }

func TestFanoutSkipsNil(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	Fanout{a, nil, b, Nop{}}.Publish(domain.StepSummary{})
	if a.n != 1 || b.n != 1 {
		t.Fatalf("a=%d b=%d", a.n, b.n)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
