package reasoning

import (
	"context"
	"sync"
	"time"

	contextutils "packplanner/internal/utils"
)

// MockResponse is a canned reply for MockClient
type MockResponse struct {
	Text  string
	Err   error
	Delay time.Duration
}

// MockClient returns canned replies in FIFO order and records every request.
// With an empty queue it behaves like an unavailable provider.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	Calls     []Request
}

// NewMockClient creates a mock with the given replies queued
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Complete pops the next reply. A delayed reply honors context cancellation.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, contextutils.WrapError(contextutils.ErrAIProviderUnavailable, "mock reasoning client has no replies queued")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, classifyError(ctx, "mock", ctx.Err(), 0)
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &Response{Text: resp.Text, Model: "mock"}, nil
}

// ModelID returns "mock"
func (m *MockClient) ModelID() string {
	return "mock"
}

// AddResponse queues another reply
func (m *MockClient) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// CallCount returns the number of Complete calls made
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
