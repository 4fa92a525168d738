package nodekind

import (
	"context"
	"fmt"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/internal/pricing"
	"github.com/agentrt/agentrt/llmprovider"
	"github.com/agentrt/agentrt/scope"
	"github.com/agentrt/agentrt/toolcall"
)

// defaultMaxToolIterations bounds how many request/tool-call round trips
// one llm-kind node attempt makes before giving up, so a model that keeps
// asking for tools forever cannot stall a node attempt indefinitely.
const defaultMaxToolIterations = 4

// PromptBuilder turns the current scope into the messages and tool specs
// sent to the model for a given llm node.
type PromptBuilder func(sc *scope.ExecutionScope) ([]llmprovider.Message, []llmprovider.ToolSpec)

// ResultKey names the private output key an LLMHandler writes its
// llmprovider.ChatOut to when the node declares ResultKey itself or more
// than one output. A node with exactly one other declared output gets the
// ChatOut under that key instead; a node with no outputs gets none.
const ResultKey = "llm_result"

// LLMHandler dispatches KindLLM nodes to a llmprovider.ChatModel,
// generalizing the engine's ChatModel abstraction to this runtime's
// handler/outcome model and recording cost through an optional CostSink.
type LLMHandler struct {
	model   llmprovider.ChatModel
	prompts map[string]PromptBuilder
	cost    CostSink
	tools   *toolcall.Registry
	maxIter int
}

// CostSink receives token usage for every completed LLM call so the
// caller can feed it into a cost tracker.
type CostSink interface {
	RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string)
}

// NewLLMHandler builds an LLMHandler. cost may be nil to skip cost
// recording; tools may be nil, in which case a model response asking for
// a tool call fails immediately rather than looping forever unresolved.
func NewLLMHandler(model llmprovider.ChatModel, prompts map[string]PromptBuilder, cost CostSink, tools *toolcall.Registry) *LLMHandler {
	return &LLMHandler{model: model, prompts: prompts, cost: cost, tools: tools, maxIter: defaultMaxToolIterations}
}

func (h *LLMHandler) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	build, ok := h.prompts[node.ID]
	if !ok {
		return Failure(&Error{NodeID: node.ID, Message: "no prompt builder bound to this node id"})
	}
	messages, tools := build(sc)
	if fb, ok := ValidationFeedbackFromContext(ctx); ok {
		messages = append(messages, llmprovider.Message{
			Role:    llmprovider.RoleUser,
			Content: "The previous response failed output validation: " + fb + ". Produce a corrected response.",
		})
	}

	sink := h.cost
	if ctxSink, ok := CostSinkFromContext(ctx); ok {
		sink = ctxSink
	}

	var out llmprovider.ChatOut
	var inputTokens, outputTokens int
	var costUSD float64
	for iter := 0; ; iter++ {
		resp, err := h.model.Chat(ctx, messages, tools)
		if err != nil {
			return Failure(&LLMError{NodeID: node.ID, Cause: err})
		}
		if sink != nil {
			sink.RecordLLMCall(h.model.Name(), resp.InputTokens, resp.OutputTokens, node.ID)
		}
		inputTokens += resp.InputTokens
		outputTokens += resp.OutputTokens
		costUSD += pricing.Cost(nil, h.model.Name(), resp.InputTokens, resp.OutputTokens)
		out = resp

		if len(resp.ToolCalls) == 0 {
			break
		}
		if iter >= h.maxIter {
			return Failure(&Error{NodeID: node.ID, Message: fmt.Sprintf("exceeded %d tool-call round trips without a final response", h.maxIter)})
		}
		if h.tools == nil {
			return Failure(&ToolError{NodeID: node.ID, ToolName: resp.ToolCalls[0].Name, Cause: fmt.Errorf("no tool registry configured for this node")})
		}

		messages = append(messages, llmprovider.Message{Role: llmprovider.RoleAssistant, Content: resp.Text})
		for _, tc := range resp.ToolCalls {
			result, err := h.tools.Call(ctx, tc.Name, tc.Input)
			if err != nil {
				return Failure(&ToolError{NodeID: node.ID, ToolName: tc.Name, Cause: err})
			}
			messages = append(messages, llmprovider.Message{Role: llmprovider.RoleUser, Content: fmt.Sprintf("tool %s result: %v", tc.Name, result)})
		}
	}

	var outcome Outcome
	if len(node.Outputs) == 0 {
		outcome = Success(nil)
	} else {
		outputs := map[string]any{ResultKey: out}
		if len(node.Outputs) == 1 && node.Outputs[0] != ResultKey {
			outputs = map[string]any{node.Outputs[0]: out}
		}
		outcome = Success(outputs)
	}
	outcome.InputTokens = inputTokens
	outcome.OutputTokens = outputTokens
	outcome.CostUSD = costUSD
	return outcome
}
