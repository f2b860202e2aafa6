// Package notify provides the notification collaborator the
// send_notification task handler depends on: a generic Notifier.Send
// over an HTTP transport, stripped of any single-provider packaging
// policy (the teacher's RapidMail adapter zipped and base64-encoded HTML
// newsletters for one specific campaign; this domain sends evaluation
// status notices, which have no newsletter-shaped payload).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Message is a single notification to deliver.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments map[string][]byte // filename -> content
}

// Notifier delivers a Message. Implementations own their own transport
// and authentication.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookNotifier posts a JSON-encoded Message to a single configured
// endpoint, the way the teacher's adapter posted a JSON payload to a
// fixed provider URL, generalized away from that provider's schema.
// Attachment contents are not sent: each attachment is reported by name
// with its size in bytes.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{endpoint: endpoint, client: http.DefaultClient}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	}
	if len(msg.Attachments) > 0 {
		attachments := make(map[string]string, len(msg.Attachments))
		for name, content := range msg.Attachments {
			attachments[name] = fmt.Sprintf("%d bytes", len(content))
		}
		payload["attachments"] = attachments
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
