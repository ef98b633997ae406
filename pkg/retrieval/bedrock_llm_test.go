package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRuntimeClient struct {
	calls  int
	invoke func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *mockRuntimeClient) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	m.calls++
	return m.invoke(params)
}

type claudeRequestCapture struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens_to_sample"`
	Temperature   float32  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	StopSequences []string `json:"stop_sequences"`
}

func TestNewBedrockLLMClientWithClient_NilClient(t *testing.T) {
	_, err := NewBedrockLLMClientWithClient(nil, BedrockLLMConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client is required")
}

func TestNewBedrockLLMClientWithClient_UnsupportedModel(t *testing.T) {
	_, err := NewBedrockLLMClientWithClient(&mockRuntimeClient{}, BedrockLLMConfig{Model: "cohere.command-text-v14"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported completion model")
}

func TestNewBedrockLLMClient_RequiresRegion(t *testing.T) {
	_, err := NewBedrockLLMClient(BedrockLLMConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region is required")
}

func TestBedrockLLMClient_Complete_Claude(t *testing.T) {
	var captured claudeRequestCapture
	client := &mockRuntimeClient{
		invoke: func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			require.Equal(t, "anthropic.claude-v2", aws.ToString(params.ModelId))
			require.Equal(t, "application/json", aws.ToString(params.ContentType))
			require.NoError(t, json.Unmarshal(params.Body, &captured))
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"completion":" first line\nsecond line"}`)}, nil
		},
	}
	llm, err := NewBedrockLLMClientWithClient(client, BedrockLLMConfig{})
	require.NoError(t, err)

	resp, err := llm.Complete(context.Background(), CompletionRequest{
		Prompt:       "Decompose this question",
		MaxTokens:    300,
		Temperature:  0.3,
		SystemPrompt: "You split questions",
	})
	require.NoError(t, err)

	assert.Equal(t, "System: You split questions\n\nHuman: Decompose this question\n\nAssistant:", captured.Prompt)
	assert.Equal(t, 300, captured.MaxTokens)
	assert.Equal(t, float32(0.3), captured.Temperature)
	assert.Equal(t, 0.9, captured.TopP)
	assert.Equal(t, []string{"\n\nHuman:"}, captured.StopSequences)

	assert.Equal(t, " first line\nsecond line", resp.Text)
	assert.Equal(t, len(resp.Text)/4, resp.Tokens)
}

func TestBedrockLLMClient_Complete_ClaudeWithoutSystemPrompt(t *testing.T) {
	var captured claudeRequestCapture
	client := &mockRuntimeClient{
		invoke: func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			require.NoError(t, json.Unmarshal(params.Body, &captured))
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"completion":"ok"}`)}, nil
		},
	}
	llm, err := NewBedrockLLMClientWithClient(client, BedrockLLMConfig{})
	require.NoError(t, err)

	_, err = llm.Complete(context.Background(), CompletionRequest{Prompt: "Just the question", MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "Human: Just the question\n\nAssistant:", captured.Prompt)
}

func TestBedrockLLMClient_Complete_Titan(t *testing.T) {
	var captured struct {
		InputText string `json:"inputText"`
		Config    struct {
			MaxTokenCount int      `json:"maxTokenCount"`
			Temperature   float32  `json:"temperature"`
			TopP          float64  `json:"topP"`
			StopSequences []string `json:"stopSequences"`
		} `json:"textGenerationConfig"`
	}
	client := &mockRuntimeClient{
		invoke: func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			require.Equal(t, "amazon.titan-text-express-v1", aws.ToString(params.ModelId))
			require.NoError(t, json.Unmarshal(params.Body, &captured))
			return &bedrockruntime.InvokeModelOutput{
				Body: []byte(`{"results":[{"outputText":"sub-question one","tokenCount":7}]}`),
			}, nil
		},
	}
	llm, err := NewBedrockLLMClientWithClient(client, BedrockLLMConfig{Model: "amazon.titan-text-express-v1"})
	require.NoError(t, err)

	resp, err := llm.Complete(context.Background(), CompletionRequest{
		Prompt:       "Decompose this question",
		MaxTokens:    200,
		Temperature:  0.5,
		SystemPrompt: "You split questions",
	})
	require.NoError(t, err)

	// Titan has no system-prompt field; it is folded into the input.
	assert.Equal(t, "You split questions\n\nDecompose this question", captured.InputText)
	assert.Equal(t, 200, captured.Config.MaxTokenCount)
	assert.Equal(t, float32(0.5), captured.Config.Temperature)
	assert.Equal(t, 0.9, captured.Config.TopP)
	assert.Empty(t, captured.Config.StopSequences)

	assert.Equal(t, "sub-question one", resp.Text)
	assert.Equal(t, 7, resp.Tokens)
}

func TestBedrockLLMClient_Complete_TitanNoResults(t *testing.T) {
	client := &mockRuntimeClient{
		invoke: func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"results":[]}`)}, nil
		},
	}
	llm, err := NewBedrockLLMClientWithClient(client, BedrockLLMConfig{Model: "amazon.titan-text-lite-v1"})
	require.NoError(t, err)

	_, err = llm.Complete(context.Background(), CompletionRequest{Prompt: "anything", MaxTokens: 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no results")
}

func TestBedrockLLMClient_Complete_InvokeError(t *testing.T) {
	client := &mockRuntimeClient{
		invoke: func(params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	llm, err := NewBedrockLLMClientWithClient(client, BedrockLLMConfig{})
	require.NoError(t, err)

	_, err = llm.Complete(context.Background(), CompletionRequest{Prompt: "anything", MaxTokens: 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to invoke completion model")
	assert.Equal(t, 1, client.calls)
}

func TestValidateQuestion(t *testing.T) {
	assert.ErrorIs(t, ValidateQuestion(""), ErrEmptyQuestion)
	assert.ErrorIs(t, ValidateQuestion("  \t "), ErrEmptyQuestion)
	assert.NoError(t, ValidateQuestion("What is a chunk?"))

	long := make([]byte, maxQuestionLength+1)
	for i := range long {
		long[i] = 'q'
	}
	assert.ErrorIs(t, ValidateQuestion(string(long)), ErrQuestionTooLong)
}
