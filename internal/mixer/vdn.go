package mixer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var ErrJointTableTooLarge = errors.New("joint action table too large")

// MaxJointCells bounds action_dim^num_agents for JointTable.
const MaxJointCells = 4096

// VDN sums per-agent chosen-action values into one team value.
type VDN struct{}

// Mix returns Q_tot for every batch row: q[row][agent] summed over agents.
func (VDN) Mix(q [][]float64) []float64 {
	out := make([]float64, len(q))
	for row, values := range q {
		out[row] = floats.Sum(values)
	}
	return out
}

// Backward distributes dL/dQ_tot to each of agents; with an additive mixer
// every agent receives the same gradient.
func (VDN) Backward(dTeam []float64, agents int) [][]float64 {
	out := make([][]float64, agents)
	for a := range out {
		out[a] = append([]float64(nil), dTeam...)
	}
	return out
}

// JointTable is the outer sum of per-agent action values over all joint
// actions for a single state.
type JointTable struct {
	Values []float64
	Shape  []int
}

// NewJointTable builds the table for q[agent][action]. It refuses sizes
// beyond two agents with more than five actions or MaxJointCells cells.
func NewJointTable(q [][]float64) (JointTable, error) {
	if len(q) == 0 {
		return JointTable{}, errors.New("joint table needs at least one agent")
	}
	shape := make([]int, len(q))
	cells := 1
	maxDim := 0
	for a, values := range q {
		if len(values) == 0 {
			return JointTable{}, fmt.Errorf("agent %d has no actions", a)
		}
		shape[a] = len(values)
		if len(values) > maxDim {
			maxDim = len(values)
		}
		cells *= len(values)
		if cells > MaxJointCells {
			return JointTable{}, fmt.Errorf("%d agents: %w", len(q), ErrJointTableTooLarge)
		}
	}
	if len(q) > 2 && maxDim > 5 {
		return JointTable{}, fmt.Errorf("%d agents x %d actions: %w", len(q), maxDim, ErrJointTableTooLarge)
	}

	values := make([]float64, cells)
	idx := make([]int, len(q))
	for cell := range values {
		var sum float64
		for a := range q {
			sum += q[a][idx[a]]
		}
		values[cell] = sum
		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < shape[a] {
				break
			}
			idx[a] = 0
		}
	}
	return JointTable{Values: values, Shape: shape}, nil
}

// Value looks up the joint action (row-major, last agent fastest).
func (t JointTable) Value(actions []int) float64 {
	if len(actions) != len(t.Shape) {
		panic(fmt.Sprintf("mixer: %d actions for %d agents", len(actions), len(t.Shape)))
	}
	offset := 0
	for a, action := range actions {
		offset = offset*t.Shape[a] + action
	}
	return t.Values[offset]
}

// Max returns the best joint action and its value; ties keep the first cell.
func (t JointTable) Max() ([]int, float64) {
	best := 0
	bestValue := math.Inf(-1)
	for cell, v := range t.Values {
		if v > bestValue {
			best, bestValue = cell, v
		}
	}
	actions := make([]int, len(t.Shape))
	for a := len(t.Shape) - 1; a >= 0; a-- {
		actions[a] = best % t.Shape[a]
		best /= t.Shape[a]
	}
	return actions, bestValue
}
