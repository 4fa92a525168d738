package nodekind

import (
	"context"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/scope"
	"github.com/google/uuid"
)

// PauseHandler dispatches KindPause nodes: it always suspends, minting a
// fresh opaque token the caller (stream package) maps back to an
// execution so a later resume call can find its way home.
type PauseHandler struct{}

// NewPauseHandler returns a PauseHandler. It is stateless — the resume
// table lives in the stream package.
func NewPauseHandler() *PauseHandler { return &PauseHandler{} }

func (h *PauseHandler) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	message := ""
	if node.Pause != nil {
		message = node.Pause.Message
	}
	return Suspend(uuid.NewString(), message)
}
