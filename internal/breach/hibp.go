// Package breach checks candidate passwords against the Pwned Passwords
// corpus using the k-anonymity range API: only the first five hex chars of
// the SHA-1 leave the process, never the password or its full hash.
package breach

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.pwnedpasswords.com/range/"

// defaultTimeout bounds the lookup. Callers treat an error as "unknown"
// and proceed; the check degrades open.
const defaultTimeout = 2 * time.Second

// Client queries the range API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option adjusts a Client.
type Option func(*Client)

// WithBaseURL points the client at a different range endpoint. Tests use
// it to target a local server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a range-API client with the default 2s timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Count returns how many times the password appears in the corpus. Zero
// means not found. Any transport or protocol error is returned as-is so
// the caller can log it and continue.
func (c *Client) Count(ctx context.Context, password string) (int, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix, nil)
	if err != nil {
		return 0, fmt.Errorf("breach: building request: %w", err)
	}
	// Padding makes every response the same shape; padded entries carry
	// a zero count and are skipped below.
	req.Header.Set("Add-Padding", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("breach: range lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("breach: range lookup returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, found := strings.CutPrefix(line, suffix+":")
		if !found {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("breach: malformed count in response: %w", err)
		}
		return count, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("breach: reading response: %w", err)
	}
	return 0, nil
}
