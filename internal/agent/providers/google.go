package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/agent/toolconv"
	"github.com/haasonsaas/chatline/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey string

	// BaseURL overrides the Gemini API endpoint.
	BaseURL string

	DefaultModel string

	// MaxRetries bounds attempts made before any output has been streamed.
	MaxRetries int
	RetryDelay time.Duration
}

// GoogleProvider streams completions from the Gemini API.
//
// Gemini does not assign IDs to function calls, so the provider generates
// them and resolves tool results back to function names by ID.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider creates a provider from config.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultGoogleModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Models lists the Gemini models this provider is known to work with.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576, SupportsVision: true},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576, SupportsVision: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1048576, SupportsVision: true},
	}
}

// SupportsTools reports true.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete streams a response. A failed attempt is retried only while
// nothing has been sent downstream, so callers never see duplicated text.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var (
			emitted bool
			usage   *genai.GenerateContentResponseUsageMetadata
		)
		err := p.Retry(ctx, func(err error) bool { return !emitted && IsRetryable(err) }, func() error {
			var err error
			usage, err = p.processStream(ctx, model, contents, config, chunks, &emitted)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			select {
			case chunks <- &agent.CompletionChunk{Error: err}:
			case <-ctx.Done():
			}
			return
		}

		done := &agent.CompletionChunk{Done: true}
		if usage != nil {
			done.InputTokens = int(usage.PromptTokenCount)
			done.OutputTokens = int(usage.CandidatesTokenCount)
		}
		select {
		case chunks <- done:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *agent.CompletionChunk, emitted *bool) (*genai.GenerateContentResponseUsageMetadata, error) {
	send := func(chunk *agent.CompletionChunk) error {
		select {
		case chunks <- chunk:
			*emitted = true
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var usage *genai.GenerateContentResponseUsageMetadata
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					if err := send(&agent.CompletionChunk{Text: part.Text}); err != nil {
						return nil, err
					}
				}
				if part.FunctionCall != nil {
					if err := send(&agent.CompletionChunk{ToolCall: geminiToolCall(part.FunctionCall)}); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return usage, nil
}

func geminiToolCall(fc *genai.FunctionCall) *models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return &models.ToolCall{ID: id, Name: fc.Name, Input: args}
}

// convertGeminiContents maps neutral messages to Gemini contents. Tool
// results become function responses on the user side, named after the call
// they answer.
func convertGeminiContents(messages []agent.CompletionMessage) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     names[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	providerErr := NewProviderError("google", model, err)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.Code).WithMessage(apiErr.Message)
		if apiErr.Status != "" {
			providerErr.Code = apiErr.Status
		}
		return providerErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "unavailable"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}
