package reasoning

import (
	"context"
	"errors"
	"net/http"

	"packplanner/internal/config"
	contextutils "packplanner/internal/utils"

	"google.golang.org/genai"
)

// GeminiClient talks to the Gemini API
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client
func NewGeminiClient(ctx context.Context, cfg *config.ReasoningConfig, httpClient *http.Client) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, contextutils.WrapError(contextutils.ErrAIConfigInvalid, "gemini API key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.URL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.URL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrAIConfigInvalid, err.Error())
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

// Complete sends one generate-content request
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	temperature := float32(req.Temperature)
	genConfig := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		genConfig.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.JSON {
		genConfig.ResponseMIMEType = "application/json"
	}

	contents := make([]*genai.Content, len(req.Messages))
	for i, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents[i] = &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		status := 0
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return nil, classifyError(ctx, "gemini", err, status)
	}
	text := result.Text()
	if text == "" {
		return nil, contextutils.WrapError(contextutils.ErrAIResponseInvalid, "empty gemini response")
	}
	resp := &Response{Text: text, Model: c.model}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

// ModelID returns the configured model
func (c *GeminiClient) ModelID() string {
	return c.model
}
