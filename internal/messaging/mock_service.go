package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one message captured by MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService records sends in memory. Failures can be injected per
// recipient or globally.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	failAll error
	failFor map[string]error
}

func NewMockService() *MockService {
	return &MockService{failFor: make(map[string]error)}
}

func (m *MockService) Channel() string { return ChannelSMS }

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error { return nil }

// FailAll makes every send return err until called again with nil.
func (m *MockService) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// FailFor makes sends to one recipient return err. A nil err clears it.
func (m *MockService) FailFor(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFor, to)
		return
	}
	m.failFor[to] = err
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return "", m.failAll
	}
	if err, ok := m.failFor[to]; ok {
		return "", err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("mock-%d", len(m.sent)), nil
}

// Sent returns a copy of the captured messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
