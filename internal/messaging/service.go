// Package messaging is the outbound gateway used by the journey engine, the
// reminder schedulers and appointment notifications.
package messaging

import (
	"context"
	"errors"
	"regexp"
)

// Channel names recorded in the comms log.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

var (
	// ErrServiceStopped is returned by SendMessage after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")

	phoneNumberRegex = regexp.MustCompile(`[^0-9]`)
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Channel names the delivery channel for audit records.
	Channel() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient and returns the provider message ID.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop releases resources. Later sends fail with ErrServiceStopped.
	Stop() error
}
