// Package llm wraps a remote text-generation backend with global pacing and
// classified retries. The client never returns an error: exhausted or
// cancelled calls yield a sentinel string the caller can detect with
// IsSentinel.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"lifeline/internal/logging"
)

const (
	DefaultModel             = "gemini-2.5-flash"
	DefaultMaxCallsPerMinute = 14
	DefaultMaxAttempts       = 3
)

// Sentinel payloads returned once every attempt is spent.
const (
	SentinelText = "Sorry, I can't answer right now. Please try again in a moment."
	SentinelJSON = `{"error":"unavailable","message":"The generation service is temporarily unavailable. Please try again later."}`
)

var errEmptyResponse = errors.New("empty response from backend")

// IsSentinel reports whether s is one of the exhaustion payloads.
func IsSentinel(s string) bool {
	return s == SentinelText || s == SentinelJSON
}

// Backend performs one generation request.
type Backend interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, model, prompt string) (string, error)

func (f BackendFunc) Generate(ctx context.Context, model, prompt string) (string, error) {
	return f(ctx, model, prompt)
}

// Config configures a Client. Zero values take the package defaults.
type Config struct {
	Model             string
	MaxCallsPerMinute int
	MaxAttempts       int
	// Timeout applies when the caller's context has no deadline.
	Timeout time.Duration
}

// Client paces and retries calls to a Backend. Pacing state belongs to the
// instance; two clients never throttle each other.
type Client struct {
	backend     Backend
	model       string
	maxAttempts int
	timeout     time.Duration
	limiter     *rate.Limiter

	rateLimitCooldown time.Duration
	unavailableStep   time.Duration
	otherStep         time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// Interval is the minimum spacing between dispatches:
// ceil(60000ms / maxCallsPerMinute).
func Interval(maxCallsPerMinute int) time.Duration {
	if maxCallsPerMinute <= 0 {
		maxCallsPerMinute = DefaultMaxCallsPerMinute
	}
	ms := (60000 + maxCallsPerMinute - 1) / maxCallsPerMinute
	return time.Duration(ms) * time.Millisecond
}

// NewClient creates a client over backend.
func NewClient(backend Backend, cfg Config) *Client {
	return newClient(backend, cfg, Interval(cfg.MaxCallsPerMinute))
}

func newClient(backend Backend, cfg Config, interval time.Duration) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Client{
		backend:           backend,
		model:             model,
		maxAttempts:       attempts,
		timeout:           cfg.Timeout,
		limiter:           rate.NewLimiter(limit, 1),
		rateLimitCooldown: 10 * time.Second,
		unavailableStep:   5 * time.Second,
		otherStep:         2 * time.Second,
		sleep:             sleepContext,
	}
}

// Model returns the fixed model id sent with every request.
func (c *Client) Model() string { return c.model }

// Generate returns the backend's text, or SentinelText.
func (c *Client) Generate(ctx context.Context, prompt string) string {
	return c.call(ctx, prompt, false)
}

// GenerateJSON returns text that parses as JSON, or SentinelJSON. A reply
// wrapped in a ```json fence is unwrapped.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) string {
	return c.call(ctx, prompt, true)
}

func (c *Client) call(ctx context.Context, prompt string, jsonMode bool) string {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryAPI, "generate")
	defer timer.Stop()
	logging.APIDebug("generate: model=%s prompt_len=%d json=%v", c.model, len(prompt), jsonMode)

	attempt := 0
	for {
		// Reserved before dispatch so overlapping callers stay spaced.
		if err := c.limiter.Wait(ctx); err != nil {
			logging.APIWarn("generate: pacing aborted: %v", err)
			return sentinel(jsonMode)
		}

		text, err := c.backend.Generate(ctx, c.model, prompt)
		if err == nil {
			text, err = accept(text, jsonMode)
			if err == nil {
				logging.API("generate: ok, %d chars after %d failed attempts", len(text), attempt)
				return text
			}
		}
		if ctx.Err() != nil {
			logging.APIWarn("generate: cancelled: %v", ctx.Err())
			return sentinel(jsonMode)
		}

		var wait time.Duration
		switch class := classify(err); class {
		case classRateLimited:
			wait = c.rateLimitCooldown
			logging.APIWarn("generate: rate limited, cooling down %s: %v", wait, err)
		default:
			attempt++
			if attempt >= c.maxAttempts {
				logging.APIError("generate: giving up after %d attempts: %v", attempt, err)
				return sentinel(jsonMode)
			}
			step := c.otherStep
			if class == classUnavailable {
				step = c.unavailableStep
			}
			wait = step * time.Duration(attempt)
			logging.APIWarn("generate: attempt %d/%d failed (%s), retrying in %s: %v", attempt, c.maxAttempts, class, wait, err)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return sentinel(jsonMode)
		}
	}
}

func accept(text string, jsonMode bool) (string, error) {
	if text == "" {
		return "", errEmptyResponse
	}
	if !jsonMode {
		return text, nil
	}
	out, err := ExtractJSON(text)
	if err != nil {
		return "", fmt.Errorf("malformed JSON response: %w", err)
	}
	return out, nil
}

func sentinel(jsonMode bool) string {
	if jsonMode {
		return SentinelJSON
	}
	return SentinelText
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
