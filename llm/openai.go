package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// OpenAIAdapter speaks the OpenAI-compatible chat completions protocol.
// It works against api.openai.com and any compatible gateway via BaseURL.
type OpenAIAdapter struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithBaseURL overrides the API base URL (no trailing slash).
func WithBaseURL(url string) OpenAIOption {
	return func(a *OpenAIAdapter) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(a *OpenAIAdapter) {
		a.httpClient = client
	}
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(provider, apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	a := &OpenAIAdapter{
		provider:   provider,
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return a.provider
}

// Wire types for the chat completions protocol.

type oaFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function oaFunctionCall `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a blocking request and returns the full response.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(a.translateRequest(req))
	if err != nil {
		return nil, &SDKError{Message: "failed to encode request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &SDKError{Message: "failed to build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &RequestTimeoutError{SDKError: SDKError{Message: "request cancelled or timed out", Cause: err}}
		}
		return nil, &NetworkError{SDKError: SDKError{Message: "request failed", Cause: err}}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: "failed to read response body", Cause: err}}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.errorFromResponse(httpResp, respBody)
	}

	var parsed oaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &SDKError{Message: "failed to decode response", Cause: err}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{
			SDKError: SDKError{Message: parsed.Error.Message},
			Provider: a.provider,
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{
			SDKError: SDKError{Message: "response contained no choices"},
			Provider: a.provider,
		}
	}

	return a.translateResponse(req, parsed), nil
}

func (a *OpenAIAdapter) translateRequest(req Request) oaRequest {
	out := oaRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			out.Messages = append(out.Messages, oaMessage{Role: "system", Content: msg.TextContent()})
		case RoleUser:
			out.Messages = append(out.Messages, oaMessage{Role: "user", Content: msg.TextContent()})
		case RoleAssistant:
			m := oaMessage{Role: "assistant", Content: msg.TextContent()}
			for _, part := range msg.Content {
				if part.Kind == ContentToolCall && part.ToolCall != nil {
					m.ToolCalls = append(m.ToolCalls, oaToolCall{
						ID:   part.ToolCall.ID,
						Type: "function",
						Function: oaFunctionCall{
							Name:      part.ToolCall.Name,
							Arguments: string(part.ToolCall.Arguments),
						},
					})
				}
			}
			out.Messages = append(out.Messages, m)
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					out.Messages = append(out.Messages, oaMessage{
						Role:       "tool",
						Content:    part.ToolResult.Content,
						ToolCallID: part.ToolResult.ToolCallID,
					})
				}
			}
		}
	}

	for _, t := range req.Tools {
		var wire oaTool
		wire.Type = "function"
		wire.Function.Name = t.Name
		wire.Function.Description = t.Description
		wire.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wire)
	}

	if req.ToolChoice != nil {
		out.ToolChoice = req.ToolChoice.Mode
	}

	return out
}

func (a *OpenAIAdapter) translateResponse(req Request, parsed oaResponse) *Response {
	choice := parsed.Choices[0]

	var parts []ContentPart
	if choice.Message.Content != "" {
		parts = append(parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	reason := choice.FinishReason
	if reason == "" {
		reason = "stop"
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}

	return &Response{
		ID:       parsed.ID,
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: parts,
		},
		FinishReason: FinishReason{Reason: reason, Raw: choice.FinishReason},
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}
}

func (a *OpenAIAdapter) errorFromResponse(resp *http.Response, body []byte) error {
	message := fmt.Sprintf("provider returned status %d", resp.StatusCode)

	var parsed oaResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	var retryAfter *float64
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &secs
		}
	}

	return ErrorFromStatusCode(resp.StatusCode, message, a.provider, retryAfter)
}
