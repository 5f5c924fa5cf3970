package dashboard

import "traffic_marl/internal/domain"

// Sink receives per-step summaries. Publish must not block the control loop.
type Sink interface {
	Publish(sum domain.StepSummary)
}

type Nop struct{}

func (Nop) Publish(domain.StepSummary) {}

type Fanout []Sink

func (f Fanout) Publish(sum domain.StepSummary) {
	for _, s := range f {
		if s != nil {
			s.Publish(sum)
		}
	}
}

// Frame is the JSON envelope written to websocket clients.
type Frame struct {
	Type  string               `json:"type"`
	Steps []domain.StepSummary `json:"steps"`
}

const (
	FrameHistory = "history"
	FrameStep    = "step"
)
