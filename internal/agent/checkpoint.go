package agent

import (
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"traffic_marl/internal/nn"
)

// Checkpoint is the on-disk form of one agent.
type Checkpoint struct {
	AgentID      string       `msgpack:"agent_id"`
	Online       nn.Params    `msgpack:"online"`
	Target       nn.Params    `msgpack:"target"`
	Optimizer    nn.AdamState `msgpack:"optimizer"`
	Epsilon      float64      `msgpack:"epsilon"`
	TrainingStep int          `msgpack:"training_step"`
	ObsDim       int          `msgpack:"obs_dim"`
	ActionDim    int          `msgpack:"action_dim"`
	SavedAt      time.Time    `msgpack:"saved_at"`
}

func EncodeCheckpoint(w io.Writer, cp Checkpoint) error {
	if err := msgpack.NewEncoder(w).Encode(&cp); err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.AgentID, err)
	}
	return nil
}

func DecodeCheckpoint(r io.Reader) (Checkpoint, error) {
	var cp Checkpoint
	if err := msgpack.NewDecoder(r).Decode(&cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
