// Package webhook delivers notification payloads to an HTTP endpoint,
// signed with HMAC-SHA256 and retried on failure.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Carepath-Signature"
	DeliveryHeader  = "X-Carepath-Delivery"
	ChannelHeader   = "X-Carepath-Channel"
	TimestampHeader = "X-Carepath-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = delays }
}

// Publisher POSTs payloads to one endpoint. It satisfies
// notification.Publisher.
type Publisher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewPublisher validates rawURL and returns a publisher with three
// attempts by default.
func NewPublisher(rawURL, secret string, opts ...Option) (*Publisher, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	p := &Publisher{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook: url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Publish delivers payload, retrying on transport errors and 5xx/429
// responses. Other 4xx responses are not retried.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	deliveryID := uuid.New().String()
	sig := SignPayload(payload, p.secret)

	var lastErr error
	for attempt := 0; ; attempt++ {
		retry, err := p.deliver(ctx, deliveryID, channel, sig, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt >= len(p.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook: delivery %s: %w", deliveryID, ctx.Err())
		case <-time.After(p.retryDelays[attempt]):
		}
	}
	return fmt.Errorf("webhook: delivery %s: %w", deliveryID, lastErr)
}

func (p *Publisher) deliver(ctx context.Context, deliveryID, channel, sig string, payload []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(ChannelHeader, channel)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	err = fmt.Errorf("non-2xx response %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
}
