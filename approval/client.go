// Package approval is the client for the human-in-the-loop approval
// service guarding sensitive operations such as disabling the breaker.
package approval

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"exitguard/logger"
)

// Terminal outcomes of an approval request.
var (
	ErrDenied  = errors.New("approval denied")
	ErrExpired = errors.New("approval expired")
	ErrTimeout = errors.New("approval timed out")
)

const defaultPollInterval = 2500 * time.Millisecond

// Client talks to the approval service. A nil *Client skips approvals
// entirely (development setups without the service).
type Client struct {
	baseURL      string
	secret       string
	timeout      time.Duration // total wall-clock budget per approval
	pollInterval time.Duration
	http         *http.Client
}

// New builds a client. timeout bounds how long Require waits for a
// human; per-request HTTP timeouts are shorter and fixed.
func New(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		secret:       secret,
		timeout:      timeout,
		pollInterval: defaultPollInterval,
		http:         &http.Client{Timeout: 12 * time.Second},
	}
}

type requestPayload struct {
	Action  string `json:"action"`
	Account string `json:"account"`
	Reason  string `json:"reason"`
	TTLSec  int64  `json:"ttl_sec"`
}

type requestResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Record struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
	} `json:"record"`
}

// Require files an approval request and blocks until it is approved,
// denied, expired, or the budget runs out. It returns the request id
// on approval; any error means "not approved".
func (c *Client) Require(ctx context.Context, action, account, reason string) (string, error) {
	if c == nil {
		return "", nil
	}
	if c.secret == "" {
		return "", fmt.Errorf("approval shared secret missing")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := requestPayload{
		Action:  action,
		Account: account,
		Reason:  reason,
		TTLSec:  int64(c.timeout / time.Second),
	}
	var created requestResponse
	if err := c.postJSON(ctx, "/request", payload, &created); err != nil {
		return "", fmt.Errorf("approval request failed: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("approval service returned no request id")
	}
	logger.Infof("Approval requested: %s (action=%s account=%s)", created.ID, action, account)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		var st statusResponse
		if err := c.getJSON(ctx, "/status/"+created.ID, &st); err != nil {
			// transient poll failure; the deadline bounds how long we keep trying
			logger.Warnf("Approval status poll failed: %v", err)
		} else {
			switch st.Record.Status {
			case "approved":
				logger.Infof("Approval %s granted by %s", created.ID, st.Record.Actor)
				return created.ID, nil
			case "denied":
				return "", fmt.Errorf("%w: %s by %s", ErrDenied, action, st.Record.Actor)
			case "expired":
				return "", fmt.Errorf("%w: %s", ErrExpired, action)
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("X-Sign", c.sign(raw))
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("service error %d: %.200s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

// sign computes the HMAC-SHA256 hex digest of the raw body, matching
// the service's X-Sign verification.
func (c *Client) sign(raw []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
