// Package llm talks to an OpenAI-compatible chat completion service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"convochat/internal/domain/model"
)

// Completer produces the assistant reply for a conversation history whose
// last message is the new user turn.
type Completer interface {
	Complete(ctx context.Context, modelName string, history []model.Message) (model.Message, error)
}

// TransportError covers failures where the request may not have been served:
// network errors and 502/503/504 from the service or a gateway in front of it.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion transport error [%d]: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a definitive non-200 answer, e.g. 400, 401 or 429.
type StatusError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("completion API error [%d]: %s (type: %s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("completion API error [%d]: %s", e.StatusCode, e.Message)
}

// ErrEmptyCompletion is returned when a 200 response carries no usable reply.
var ErrEmptyCompletion = errors.New("completion response has no content")

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int          `json:"index"`
		Message      *chatMessage `json:"message,omitempty"`
		FinishReason string       `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

// OpenAIClient calls POST {baseURL}/v1/chat/completions. The per-call
// deadline comes from the context.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

var _ Completer = (*OpenAIClient)(nil)

func (c *OpenAIClient) Complete(ctx context.Context, modelName string, history []model.Message) (model.Message, error) {
	req := chatCompletionRequest{Model: modelName, Messages: make([]chatMessage, len(history))}
	for i, m := range history {
		req.Messages[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.Message{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Message{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return model.Message{}, statusError(resp.StatusCode, respBody)
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return model.Message{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil || result.Choices[0].Message.Content == "" {
		return model.Message{}, ErrEmptyCompletion
	}

	return model.Message{Role: model.RoleAssistant, Content: result.Choices[0].Message.Content}, nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	typ := ""
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		msg, typ = errResp.Error.Message, errResp.Error.Type
	}
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &TransportError{StatusCode: code, Err: errors.New(msg)}
	default:
		return &StatusError{StatusCode: code, Message: msg, Type: typ}
	}
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
