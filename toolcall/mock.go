package toolcall

import (
	"context"
	"sync"
)

// MockToolCall records one invocation of MockTool.Call.
type MockToolCall struct {
	Input map[string]any
}

// MockTool is a Tool implementation for tests: it replays a fixed
// sequence of responses (repeating the last once exhausted) or returns a
// configured error, and records its call history.
type MockTool struct {
	ToolName  string
	Responses []map[string]any
	Err       error

	mu        sync.Mutex
	Calls     []MockToolCall
	callIndex int
}

func (m *MockTool) Name() string { return m.ToolName }

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Call has been invoked.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
