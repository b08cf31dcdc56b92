package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (generator clients, the Twilio sender) depend on this interface
// rather than the concrete *Client so they remain testable without real AWS
// calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cached struct {
	value     string
	fetchedAt time.Time
}

// Client wraps an AWS SSM API for parameter retrieval. Successful lookups are
// cached per name; failures are not.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
}

type Option func(*Client)

// WithTTL bounds how long a cached value is reused. Zero keeps values for
// the lifetime of the process.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:   api,
		now:   time.Now,
		cache: make(map[string]cached),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.lookup(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}

	v := *out.Parameter.Value
	c.mu.Lock()
	c.cache[name] = cached{value: v, fetchedAt: c.now()}
	c.mu.Unlock()
	return v, nil
}

func (c *Client) lookup(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[name]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(e.fetchedAt) > c.ttl {
		return "", false
	}
	return e.value, true
}

// Invalidate drops name from the cache so the next call refetches it.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, strings.TrimSpace(name))
	c.mu.Unlock()
}
