package agent

import "sync"

// Exploration holds a multiplicatively decaying epsilon clamped to
// [min, start].
type Exploration struct {
	mu      sync.Mutex
	epsilon float64
	start   float64
	min     float64
	decay   float64
}

func NewExploration(start, min, decay float64) *Exploration {
	if min > start {
		min = start
	}
	return &Exploration{epsilon: start, start: start, min: min, decay: decay}
}

func (e *Exploration) Epsilon() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epsilon
}

// Decay applies epsilon = max(min, epsilon*decay) and returns the new value.
func (e *Exploration) Decay() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.epsilon * e.decay
	if next < e.min {
		next = e.min
	}
	if next < e.epsilon {
		e.epsilon = next
	}
	return e.epsilon
}

// Set overrides epsilon. Values are clamped to [0, start]; 0 is allowed so
// evaluation can run greedily.
func (e *Exploration) Set(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > e.start {
		v = e.start
	}
	e.epsilon = v
}
