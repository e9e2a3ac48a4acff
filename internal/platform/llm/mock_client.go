package llm

import (
	"context"
	"fmt"

	"convochat/internal/domain/model"
)

// MockClient answers without any network access. Used when no API key is
// configured.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

var _ Completer = (*MockClient)(nil)

func (m *MockClient) Complete(ctx context.Context, modelName string, history []model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	var lastUserMessage string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			lastUserMessage = history[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return model.Message{Role: model.RoleAssistant, Content: "[MOCK] This is a mock response."}, nil
	}
	return model.Message{
		Role:    model.RoleAssistant,
		Content: fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100)),
	}, nil
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
