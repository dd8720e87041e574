package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSSender sends text messages through an HTTP SMS gateway
type SMSSender struct {
	gatewayURL  string
	apiKey      string
	senderPhone string
	httpClient  *http.Client
}

// NewSMSSender creates a new SMS gateway sender
func NewSMSSender(gatewayURL, apiKey, senderPhone string) (*SMSSender, error) {
	if gatewayURL == "" || apiKey == "" {
		return nil, fmt.Errorf("SMS_GATEWAY_URL and SMS_API_KEY must be set")
	}

	return &SMSSender{
		gatewayURL:  gatewayURL,
		apiKey:      apiKey,
		senderPhone: senderPhone,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// smsMessage is the gateway request payload
type smsMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// smsResponse is the gateway response payload
type smsResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SendText sends a text message and returns the gateway message ID
func (s *SMSSender) SendText(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(smsMessage{
		From: s.senderPhone,
		To:   to,
		Body: body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	url := fmt.Sprintf("%s/messages", s.gatewayURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read sms response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed smsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse sms response: %w", err)
	}

	return parsed.MessageID, nil
}
