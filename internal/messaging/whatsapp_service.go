package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client  whatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

func (s *WhatsAppService) Channel() string { return ChannelWhatsApp }

// ValidateAndCanonicalizeRecipient strips everything but digits and requires
// at least 6 of them.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	// Bare ten-digit numbers are US numbers.
	if len(canonical) == 10 {
		canonical = "1" + canonical
	}
	return canonical, nil
}

func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	return nil
}

func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if c, ok := s.client.(*whatsapp.Client); ok {
		c.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a WhatsApp text and returns the message ID.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return "", err
	}
	return id, nil
}
