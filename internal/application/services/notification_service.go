package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// TextSender sends a text message to a phone number
type TextSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// NotificationService sends caller-facing messages. All sends are
// best-effort: failures are logged and never fail the calling operation.
type NotificationService struct {
	sender           TextSender
	fallbackLinkBase string
}

// NewNotificationService creates a new notification service. A nil sender
// disables outbound messages (local development).
func NewNotificationService(sender TextSender, fallbackLinkBase string) *NotificationService {
	return &NotificationService{
		sender:           sender,
		fallbackLinkBase: fallbackLinkBase,
	}
}

// FallbackLink returns the manual scheduling link for a workflow
func (s *NotificationService) FallbackLink(workflowID string) string {
	return fmt.Sprintf("%s?ref=%s", s.fallbackLinkBase, workflowID)
}

// SendFallbackLink sends the manual scheduling link to the caller's phone
func (s *NotificationService) SendFallbackLink(ctx context.Context, workflowID, phone string) {
	if s.sender == nil || phone == "" {
		log.Warn().
			Str("workflow_id", workflowID).
			Msg("no sms sender configured, skipping fallback link")
		return
	}

	body := fmt.Sprintf(
		"We couldn't finish scheduling your appointment automatically. You can book directly here: %s",
		s.FallbackLink(workflowID),
	)

	messageID, err := s.sender.SendText(ctx, phone, body)
	if err != nil {
		log.Error().
			Err(err).
			Str("workflow_id", workflowID).
			Msg("failed to send fallback link")
		return
	}

	log.Info().
		Str("workflow_id", workflowID).
		Str("message_id", messageID).
		Msg("fallback link sent")
}
