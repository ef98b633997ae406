package retrieval

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockLLMClient is a testify mock of LLMClient for tests.
type MockLLMClient struct {
	mock.Mock
}

var _ LLMClient = (*MockLLMClient)(nil)

// Complete mocks the completion call.
func (m *MockLLMClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CompletionResponse), args.Error(1)
}
