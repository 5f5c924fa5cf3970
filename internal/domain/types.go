package domain

import (
	"encoding/json"
	"time"
)

// Observation is one agent's numeric feature vector.
type Observation []float64

// Action is a signal decision in [0, action_dim).
type Action = int

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

type RunMode string

const (
	RunModeTrain    RunMode = "train"
	RunModeExecute  RunMode = "execute"
	RunModeBaseline RunMode = "baseline"
)

type FileOperation string

const (
	FileOperationRead   FileOperation = "read"
	FileOperationWrite  FileOperation = "write"
	FileOperationCreate FileOperation = "create"
)

type MessageType string

const (
	MessageTypeStateUpdate MessageType = "state_update"
	MessageTypePrediction  MessageType = "prediction"
	MessageTypeEmergency   MessageType = "emergency"
)

// StateUpdate is the per-cycle intent announcement sent to neighbors.
type StateUpdate struct {
	Queue          []float64 `msgpack:"queue" json:"queue"`
	CurrentPhase   int       `msgpack:"current_phase" json:"current_phase"`
	IntendedAction int       `msgpack:"intended_action" json:"intended_action"`
}

// PredictionUpdate carries expected outflow towards the receiving neighbor.
type PredictionUpdate struct {
	Outflow   float64 `msgpack:"outflow" json:"outflow"`
	Direction int     `msgpack:"direction" json:"direction"`
}

type EmergencyAlert struct {
	Direction int    `msgpack:"direction" json:"direction"`
	Priority  string `msgpack:"priority" json:"priority"`
}

// Message is a closed tagged variant: exactly one payload is set and it matches Type.
type Message struct {
	ID         string            `msgpack:"id" json:"id"`
	Sender     string            `msgpack:"sender" json:"sender"`
	Timestamp  time.Time         `msgpack:"timestamp" json:"timestamp"`
	Type       MessageType       `msgpack:"type" json:"type"`
	State      *StateUpdate      `msgpack:"state,omitempty" json:"state,omitempty"`
	Prediction *PredictionUpdate `msgpack:"prediction,omitempty" json:"prediction,omitempty"`
	Emergency  *EmergencyAlert   `msgpack:"emergency,omitempty" json:"emergency,omitempty"`
}

// Transition is one joint step stored in the centralized replay buffer.
type Transition struct {
	Obs     [][]float64
	Actions []int
	Reward  float64
	NextObs [][]float64
	Done    bool
}

type AgentStep struct {
	Action     int       `json:"action"`
	ActionName string    `json:"action_name"`
	Queues     []float64 `json:"queues"`
	Waits      []float64 `json:"waits"`
}

// StepSummary is the record handed to dashboard sinks and persisted per step.
type StepSummary struct {
	RunID        string               `json:"run_id"`
	Episode      int                  `json:"episode"`
	Step         int                  `json:"step"`
	Reward       float64              `json:"reward"`
	TotalReward  float64              `json:"total_reward"`
	PerAgent     map[string]AgentStep `json:"per_agent"`
	VehicleCount int                  `json:"vehicle_count"`
	AvgSpeed     float64              `json:"avg_speed"`
	Timestamp    time.Time            `json:"timestamp"`
}

type Run struct {
	ID        string          `json:"id"`
	Mode      RunMode         `json:"mode"`
	Status    RunStatus       `json:"status"`
	Agents    []string        `json:"agents"`
	Config    json.RawMessage `json:"config"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type EpisodeMetrics struct {
	RunID       string    `json:"run_id"`
	Episode     int       `json:"episode"`
	TotalReward float64   `json:"total_reward"`
	AvgLoss     float64   `json:"avg_loss"`
	Steps       int       `json:"steps"`
	Epsilon     float64   `json:"epsilon"`
	TrainSteps  int       `json:"train_steps"`
	CreatedAt   time.Time `json:"created_at"`
}

type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type ModelFileLog struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	AgentID   string        `json:"agent_id"`
	Operation FileOperation `json:"operation"`
	Path      string        `json:"path"`
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}
