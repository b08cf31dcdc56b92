// Package twilio delivers one-time codes by SMS through the Twilio Messages
// API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-gateway/internal/integrations/paramstore"
)

const defaultBaseURL = "https://api.twilio.com"

// HTTPStatusError captures non-2xx responses from the Messages API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCountryCode sets the prefix used to turn a 10-digit phone into E.164.
func WithCountryCode(cc string) Option {
	return func(c *Client) {
		if cc = strings.TrimSpace(cc); cc != "" {
			c.countryCode = "+" + strings.TrimPrefix(cc, "+")
		}
	}
}

// Client sends SMS messages. The auth token is read from
// <prefix>/twilio-token on first use.
type Client struct {
	accountSID  string
	from        string
	countryCode string
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	tokenMu   sync.Mutex
	authToken string
}

func NewClient(ps paramstore.Getter, paramPrefix, accountSID, from string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	accountSID = strings.TrimSpace(accountSID)
	if accountSID == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("twilio: sender number must not be empty")
	}
	c := &Client{
		accountSID:  accountSID,
		from:        from,
		countryCode: "+1",
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAuthToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.authToken != "" {
		return c.authToken, nil
	}
	token, err := paramstore.FetchToken(ctx, c.getter, c.paramPrefix+"/twilio-token")
	if err != nil {
		return "", fmt.Errorf("twilio: %w", err)
	}
	c.authToken = token
	return token, nil
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
}

func (c *Client) e164(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return c.countryCode + phone
}

// Deliver texts code to phone.
func (c *Client) Deliver(ctx context.Context, phone, code string) error {
	if phone == "" || code == "" {
		return errors.New("twilio: phone and code must not be empty")
	}
	token, err := c.resolveAuthToken(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("To", c.e164(phone))
	form.Set("From", c.from)
	form.Set("Body", fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", code))

	endpoint := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}

	var out messageResponse
	if err := json.Unmarshal(buf, &out); err != nil {
		return fmt.Errorf("twilio: decode response: %w", err)
	}
	if out.Status == "failed" || out.Status == "undelivered" {
		return fmt.Errorf("twilio: message %s %s", out.SID, out.Status)
	}
	return nil
}
