package client

import (
	"context"
	"fmt"
)

// MailClient submits messages to the external mail provider. Delivery
// semantics beyond accept/reject are the provider's concern; retries live in
// the outbound worker.
type MailClient struct {
	client *HTTPClient
	sender string
}

// NewMailClient creates a new mail provider client.
func NewMailClient(baseURL, apiKey, sender string) *MailClient {
	return &MailClient{
		client: NewHTTPClient(baseURL, apiKey),
		sender: sender,
	}
}

type sendMailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendMailResponse struct {
	MessageID string `json:"message_id"`
}

// Send submits one message and returns the provider's correlation id.
func (c *MailClient) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	req := sendMailRequest{
		From:    c.sender,
		To:      recipient,
		Subject: subject,
		Body:    body,
	}

	var resp sendMailResponse
	if err := c.client.Post(ctx, "/v1/messages", req, &resp); err != nil {
		return "", fmt.Errorf("failed to send mail: %w", err)
	}
	return resp.MessageID, nil
}
