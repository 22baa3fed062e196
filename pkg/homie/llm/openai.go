// openai.go is the HTTP backend speaking the OpenAI-compatible chat
// completions format, which covers OpenAI, Anthropic's compatibility
// endpoint, GLM and most gateways. Tool calls are executed locally through
// the ToolExecutor and fed back until the model stops asking.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ToolExecutor runs a tool call on behalf of the model. The result string
// goes back verbatim as the tool message.
type ToolExecutor interface {
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// OpenAIBackend implements Backend against /chat/completions.
type OpenAIBackend struct {
	baseURL  string
	apiKey   string
	models   map[Role]string
	executor ToolExecutor
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenAIBackend builds the backend. models maps roles to model ids; a
// missing fast model falls back to the default model. executor may be nil
// when no tools will ever be offered.
func NewOpenAIBackend(baseURL, apiKey string, models map[Role]string, executor ToolExecutor, logger *slog.Logger) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		models:   models,
		executor: executor,
		client:   &http.Client{Timeout: 120 * time.Second},
		logger:   logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolDefinition struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Tools    []toolDefinition `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	model := b.models[req.Role]
	if model == "" {
		model = b.models[RoleDefault]
	}
	if model == "" {
		return Response{}, fmt.Errorf("no model configured for role %q", req.Role)
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var tools []toolDefinition
	for _, t := range req.Tools {
		var def toolDefinition
		def.Type = "function"
		def.Function.Name = t.Name
		def.Function.Description = t.Description
		def.Function.Parameters = t.InputSchema
		tools = append(tools, def)
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	var out Response
	out.ModelID = model
	for step := 1; step <= maxSteps; step++ {
		resp, err := b.call(ctx, chatRequest{Model: model, Messages: messages, Tools: tools})
		if err != nil {
			if req.Observer != nil && req.Observer.OnError != nil {
				req.Observer.OnError(err)
			}
			return Response{}, err
		}
		out.Steps = step
		out.Usage.InputTokens += resp.Usage.PromptTokens
		out.Usage.OutputTokens += resp.Usage.CompletionTokens

		choice := resp.Choices[0]
		calls := choice.Message.ToolCalls
		if len(calls) == 0 || b.executor == nil || step == maxSteps {
			out.Text = strings.TrimSpace(choice.Message.Content)
			break
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: calls,
		})
		for _, call := range calls {
			if req.Observer != nil && req.Observer.ToolCall != nil {
				req.Observer.ToolCall(call.Function.Name, call.Function.Arguments)
			}
			result, err := b.executor.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				result = "error: " + err.Error()
			}
			if req.Observer != nil && req.Observer.ToolResult != nil {
				req.Observer.ToolResult(call.Function.Name, result)
			}
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	if req.Observer != nil {
		if req.Observer.TextDelta != nil && out.Text != "" {
			req.Observer.TextDelta(out.Text)
		}
		if req.Observer.OnUsage != nil {
			req.Observer.OnUsage(out.Usage)
		}
		if req.Observer.OnFinish != nil {
			req.Observer.OnFinish()
		}
	}
	return out, nil
}

func (b *OpenAIBackend) call(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	start := time.Now()
	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewBackendError(ErrorTransient, 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, NewBackendError(ErrorTransient, httpResp.StatusCode, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, b.statusError(httpResp, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewBackendError(ErrorParse, httpResp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, classifyAPIError(parsed.Error.Message, httpResp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewBackendError(ErrorParse, httpResp.StatusCode, fmt.Errorf("no choices in response"))
	}

	b.logger.Debug("completion done",
		"model", body.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
	)
	return &parsed, nil
}

func (b *OpenAIBackend) statusError(resp *http.Response, body []byte) error {
	msg := truncate(string(body), 500)
	err := fmt.Errorf("api status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewBackendError(ErrorAuth, resp.StatusCode, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		be := NewBackendError(ErrorRateLimit, resp.StatusCode, err)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if sec, perr := strconv.Atoi(after); perr == nil {
				be.RetryAfterSec = sec
			}
		}
		return be
	case resp.StatusCode >= 500:
		return NewBackendError(ErrorTransient, resp.StatusCode, err)
	default:
		return classifyAPIError(msg, resp.StatusCode)
	}
}

// classifyAPIError inspects 4xx bodies for the overflow markers.
func classifyAPIError(msg string, status int) error {
	err := fmt.Errorf("api error: %s", msg)
	lower := strings.ToLower(msg)
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(lower, marker) {
			return NewBackendError(ErrorContextOverflow, status, err)
		}
	}
	return NewBackendError(ErrorUnknown, status, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
