package handlers

import (
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/session"
)

// Provider wires all HTTP handlers for dependency injection.
type Provider struct {
	Session *SessionHandler
}

// NewProvider constructs the handler provider with domain services.
func NewProvider(sessionService session.Service, notifier session.Notifier, log zerolog.Logger) *Provider {
	return &Provider{
		Session: NewSessionHandler(sessionService, notifier, log),
	}
}
