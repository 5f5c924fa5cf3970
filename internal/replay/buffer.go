package replay

import (
	"errors"
	"math/rand"
	"sync"

	"traffic_marl/internal/domain"
)

var (
	ErrInsufficientData = errors.New("not enough transitions to sample")
	ErrInvalidCapacity  = errors.New("capacity must be greater than zero")
)

// Buffer is a fixed-capacity ring of joint transitions. When full, Add
// overwrites the oldest entry.
type Buffer struct {
	mu       sync.Mutex
	items    []domain.Transition
	capacity int
	next     int
	size     int
}

// Batch stacks sampled transitions per agent: Obs[agent][row] is one
// observation vector.
type Batch struct {
	Obs     [][][]float64
	Actions [][]int
	Rewards []float64
	NextObs [][][]float64
	Dones   []bool
}

func (b Batch) Size() int {
	return len(b.Rewards)
}

func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{
		items:    make([]domain.Transition, capacity),
		capacity: capacity,
	}, nil
}

func (b *Buffer) Add(t domain.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.next] = t
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Sample draws n distinct transitions uniformly without replacement.
func (b *Buffer) Sample(n int, rng *rand.Rand) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.size < n {
		return Batch{}, ErrInsufficientData
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	picked := make([]domain.Transition, 0, n)
	for _, idx := range distinctIndices(b.size, n, rng) {
		picked = append(picked, b.items[b.physical(idx)])
	}
	return stack(picked), nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

// Snapshot returns the stored transitions oldest first.
func (b *Buffer) Snapshot() []domain.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Transition, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[b.physical(i)])
	}
	return out
}

// physical maps a logical position (0 = oldest) onto the ring.
func (b *Buffer) physical(logical int) int {
	start := 0
	if b.size == b.capacity {
		start = b.next
	}
	return (start + logical) % b.capacity
}

// distinctIndices is a partial Fisher-Yates shuffle over [0, total) that only
// materialises the swapped positions.
func distinctIndices(total, n int, rng *rand.Rand) []int {
	swapped := make(map[int]int, n)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(total-i)
		vi, ok := swapped[i]
		if !ok {
			vi = i
		}
		vj, ok := swapped[j]
		if !ok {
			vj = j
		}
		out[i] = vj
		swapped[j] = vi
	}
	return out
}

func stack(ts []domain.Transition) Batch {
	agents := 0
	if len(ts) > 0 {
		agents = len(ts[0].Obs)
	}
	batch := Batch{
		Obs:     make([][][]float64, agents),
		Actions: make([][]int, agents),
		NextObs: make([][][]float64, agents),
		Rewards: make([]float64, len(ts)),
		Dones:   make([]bool, len(ts)),
	}
	for a := 0; a < agents; a++ {
		batch.Obs[a] = make([][]float64, len(ts))
		batch.Actions[a] = make([]int, len(ts))
		batch.NextObs[a] = make([][]float64, len(ts))
	}
	for row, t := range ts {
		for a := 0; a < agents; a++ {
			batch.Obs[a][row] = t.Obs[a]
			batch.Actions[a][row] = t.Actions[a]
			batch.NextObs[a][row] = t.NextObs[a]
		}
		batch.Rewards[row] = t.Reward
		batch.Dones[row] = t.Done
	}
	return batch
}
