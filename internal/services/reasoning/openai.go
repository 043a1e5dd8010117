package reasoning

import (
	"context"
	"errors"
	"math"
	"net/http"

	"packplanner/internal/config"
	contextutils "packplanner/internal/utils"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible server
type OpenAIClient struct {
	client   *openai.Client
	model    string
	jsonMode bool
}

// NewOpenAIClient creates an OpenAI-compatible client
func NewOpenAIClient(cfg *config.ReasoningConfig, httpClient *http.Client) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.URL == "" {
		return nil, contextutils.WrapError(contextutils.ErrAIConfigInvalid, "openai API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		clientConfig.BaseURL = cfg.URL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.Model,
		jsonMode: cfg.JSONMode,
	}, nil
}

// Complete sends one chat completion
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	// A zero temperature is dropped by omitempty; the smallest float keeps it explicit
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
	}
	if req.JSON && c.jsonMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		status := 0
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.HTTPStatusCode
		case errors.As(err, &reqErr):
			status = reqErr.HTTPStatusCode
		}
		return nil, classifyError(ctx, "openai", err, status)
	}
	if len(resp.Choices) == 0 {
		return nil, contextutils.WrapError(contextutils.ErrAIResponseInvalid, "no choices in openai response")
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// ModelID returns the configured model
func (c *OpenAIClient) ModelID() string {
	return c.model
}
