package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"traffic_marl/internal/domain"
)

// ModelFileSuffix names the per-agent checkpoint file inside a models directory.
const ModelFileSuffix = "_model.msgpack"

// Operators that write run artifacts rather than agent checkpoints.
const (
	ActorTrainer  = "trainer"
	ActorExecutor = "executor"
	ActorBaseline = "baseline"
)

// Engine answers who may talk to whom and who may touch which files.
type Engine struct {
	neighbors map[string][]string
}

func New(neighbors map[string][]string) *Engine {
	copied := make(map[string][]string, len(neighbors))
	for id, list := range neighbors {
		copied[id] = append([]string(nil), list...)
	}
	return &Engine{neighbors: copied}
}

// Neighbors returns agentID's neighbors in configured order.
func (e *Engine) Neighbors(agentID string) []string {
	return append([]string(nil), e.neighbors[agentID]...)
}

// CanMessage reports whether toAgent accepts messages from fromAgent.
func (e *Engine) CanMessage(fromAgent, toAgent string, msgType domain.MessageType) (bool, string) {
	if fromAgent == toAgent {
		return false, "self messages are ignored"
	}
	for _, id := range e.neighbors[toAgent] {
		if id == fromAgent {
			return true, "neighbor"
		}
	}
	return false, fmt.Sprintf("%s is not a neighbor of %s for %s", fromAgent, toAgent, msgType)
}

// CanFileOperation lets an agent touch only its own checkpoint files and
// the run operators write JSON artifacts. Reads are unrestricted.
func (e *Engine) CanFileOperation(
	_ context.Context,
	agentID string,
	operation domain.FileOperation,
	targetPath string,
) (bool, string, error) {
	if operation == domain.FileOperationRead {
		return true, "allowed", nil
	}
	base := path.Base(targetPath)
	switch agentID {
	case ActorTrainer, ActorExecutor, ActorBaseline:
		if strings.HasSuffix(base, ".json") {
			return true, "allowed", nil
		}
		return false, fmt.Sprintf("%s may only write json artifacts", agentID), nil
	}
	if _, ok := e.neighbors[agentID]; !ok {
		return false, fmt.Sprintf("unknown agent %s", agentID), nil
	}
	if base != agentID+ModelFileSuffix {
		return false, fmt.Sprintf("agent %s may not write %s", agentID, base), nil
	}
	return true, "allowed", nil
}
