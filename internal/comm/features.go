package comm

import (
	"sort"

	"traffic_marl/internal/domain"
)

const queueFeatures = 4

// NeighborBlock flattens state updates into exactly NeighborFeatures values.
// Senders named in order come first in that order, any others follow sorted
// by id. Non-state messages contribute nothing. The block is zero padded or
// truncated.
func NeighborBlock(messages map[string]domain.Message, order []string) []float64 {
	block := make([]float64, 0, NeighborFeatures+PerNeighborFeatures)
	for _, sender := range senderOrder(messages, order) {
		msg := messages[sender]
		if msg.Type != domain.MessageTypeStateUpdate || msg.State == nil {
			continue
		}
		for i := 0; i < queueFeatures; i++ {
			var v float64
			if i < len(msg.State.Queue) {
				v = msg.State.Queue[i]
			}
			block = append(block, v)
		}
		block = append(block, float64(msg.State.CurrentPhase), float64(msg.State.IntendedAction))
		if len(block) >= NeighborFeatures {
			break
		}
	}
	out := make([]float64, NeighborFeatures)
	copy(out, block)
	return out
}

// ZeroBlock is the neighbor block used when nothing was received.
func ZeroBlock() []float64 {
	return make([]float64, NeighborFeatures)
}

func senderOrder(messages map[string]domain.Message, order []string) []string {
	out := make([]string, 0, len(messages))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if _, ok := messages[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range messages {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
