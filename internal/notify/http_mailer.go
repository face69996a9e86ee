package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// dispatchTimeout bounds one delivery attempt end to end.
const dispatchTimeout = 10 * time.Second

// HTTPMailer posts messages to the email delivery service.
type HTTPMailer struct {
	client  *http.Client
	baseURL string
}

// NewHTTPMailer targets the delivery service at baseURL.
func NewHTTPMailer(baseURL string) *HTTPMailer {
	return &HTTPMailer{
		client:  &http.Client{Timeout: dispatchTimeout},
		baseURL: baseURL,
	}
}

// Send posts the message to POST {baseURL}/send. Recipient addresses and
// code material live in the body only; they never reach the error path.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching %s email: %w", msg.Template, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("email service returned status %d for %s", resp.StatusCode, msg.Template)
	}
	return nil
}
