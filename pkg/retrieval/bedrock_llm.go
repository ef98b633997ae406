package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// defaultLLMModel is used when no completion model is configured.
const defaultLLMModel = "anthropic.claude-v2"

// defaultLLMTimeout bounds a single completion call.
const defaultLLMTimeout = 30 * time.Second

// BedrockRuntimeClient is the slice of the Bedrock runtime API the LLM client
// uses, defined as an interface to allow mocking in tests.
type BedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockLLMClient implements LLMClient through AWS Bedrock text models.
// Claude and Titan model families are supported; the request and response
// formats differ per family and are selected by model identifier.
type BedrockLLMClient struct {
	client  BedrockRuntimeClient
	modelID string
	timeout time.Duration
}

var _ LLMClient = (*BedrockLLMClient)(nil)

// BedrockLLMConfig carries the Bedrock completion client's options.
type BedrockLLMConfig struct {
	Region          string        `mapstructure:"region"`
	Model           string        `mapstructure:"model"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// NewBedrockLLMClient creates a Bedrock completion client. Static credentials
// are used when provided; otherwise the default AWS credential chain applies.
func NewBedrockLLMClient(cfg BedrockLLMConfig) (*BedrockLLMClient, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required for bedrock completions")
	}

	optFns := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return NewBedrockLLMClientWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg)
}

// NewBedrockLLMClientWithClient creates the client around an existing runtime
// client. Tests use it to inject a mock BedrockRuntimeClient.
func NewBedrockLLMClientWithClient(client BedrockRuntimeClient, cfg BedrockLLMConfig) (*BedrockLLMClient, error) {
	if client == nil {
		return nil, errors.New("bedrock runtime client is required")
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultLLMModel
	}
	if !isClaudeModel(modelID) && !isTitanTextModel(modelID) {
		return nil, fmt.Errorf("unsupported completion model: %q (supported families: anthropic.claude, amazon.titan)", modelID)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}

	return &BedrockLLMClient{
		client:  client,
		modelID: modelID,
		timeout: timeout,
	}, nil
}

// Complete invokes the configured model and returns its completion.
func (b *BedrockLLMClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var body []byte
	var err error
	switch {
	case isClaudeModel(b.modelID):
		body, err = b.formatClaudeRequest(req)
	case isTitanTextModel(b.modelID):
		body, err = b.formatTitanRequest(req)
	default:
		return nil, fmt.Errorf("unsupported completion model: %s", b.modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to format completion request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke completion model %s: %w", b.modelID, err)
	}

	if isClaudeModel(b.modelID) {
		return b.parseClaudeResponse(resp.Body)
	}
	return b.parseTitanResponse(resp.Body)
}

// formatClaudeRequest builds the Claude text-completion body. The system
// prompt, when present, is prepended to the Human turn.
func (b *BedrockLLMClient) formatClaudeRequest(req CompletionRequest) ([]byte, error) {
	var prompt string
	if req.SystemPrompt != "" {
		prompt = fmt.Sprintf("System: %s\n\nHuman: %s\n\nAssistant:", req.SystemPrompt, req.Prompt)
	} else {
		prompt = fmt.Sprintf("Human: %s\n\nAssistant:", req.Prompt)
	}

	return json.Marshal(map[string]interface{}{
		"prompt":               prompt,
		"max_tokens_to_sample": req.MaxTokens,
		"temperature":          req.Temperature,
		"top_p":                0.9,
		"stop_sequences":       []string{"\n\nHuman:"},
	})
}

// formatTitanRequest builds the Titan text-generation body. Titan has no
// system-prompt slot, so one is folded into the input text.
func (b *BedrockLLMClient) formatTitanRequest(req CompletionRequest) ([]byte, error) {
	input := req.Prompt
	if req.SystemPrompt != "" {
		input = req.SystemPrompt + "\n\n" + req.Prompt
	}

	return json.Marshal(map[string]interface{}{
		"inputText": input,
		"textGenerationConfig": map[string]interface{}{
			"maxTokenCount": req.MaxTokens,
			"temperature":   req.Temperature,
			"topP":          0.9,
			"stopSequences": []string{},
		},
	})
}

func (b *BedrockLLMClient) parseClaudeResponse(body []byte) (*CompletionResponse, error) {
	var resp struct {
		Completion string `json:"completion"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse claude response: %w", err)
	}

	// Claude's completion API does not report token usage; approximate at
	// four characters per token.
	return &CompletionResponse{
		Text:   resp.Completion,
		Tokens: len(resp.Completion) / 4,
	}, nil
}

func (b *BedrockLLMClient) parseTitanResponse(body []byte) (*CompletionResponse, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse titan response: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, errors.New("no results in titan response")
	}

	return &CompletionResponse{
		Text:   resp.Results[0].OutputText,
		Tokens: resp.Results[0].TokenCount,
	}, nil
}

func isClaudeModel(modelID string) bool {
	return strings.Contains(modelID, "anthropic.claude")
}

func isTitanTextModel(modelID string) bool {
	return strings.Contains(modelID, "amazon.titan")
}
