package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure of the completion service: connection
// refusal, timeouts, non-success statuses and unreadable bodies alike.
var ErrUnavailable = errors.New("completion service unavailable")

// Request is the normalized request sent to the completion service.
type Request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Response is the completed text.
type Response struct {
	Text string `json:"text"`
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx answer from an HTTP completion endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion http status %d: %s", e.Code, e.Body)
}

// Config controls adapter construction.
type Config struct {
	Mode          string // auto|generate|openai|mock
	GenerateURL   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	HTTPTimeout   time.Duration
	MaxRetries    int
}

func NewAdapter(cfg Config) (Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var (
		c   Completer
		err error
	)
	switch mode {
	case "auto":
		c = newAutoAdapter(cfg)
	case "generate":
		if strings.TrimSpace(cfg.GenerateURL) == "" {
			return nil, errors.New("completion generate url is required for generate mode")
		}
		c = NewGenerateAdapter(cfg.GenerateURL, cfg.HTTPTimeout)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIBaseURL) == "" {
			return nil, errors.New("completion openai base url is required for openai mode")
		}
		c, err = NewOpenAIAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.HTTPTimeout)
		if err != nil {
			return nil, err
		}
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion adapter mode %q", cfg.Mode)
	}

	if cfg.MaxRetries > 0 {
		c = NewRetryAdapter(c, cfg.MaxRetries)
	}
	return c, nil
}

// Name reports a short identifier for c, used in logs and status output.
func Name(c Completer) string {
	switch a := c.(type) {
	case *GenerateAdapter:
		return "generate"
	case *OpenAIAdapter:
		return "openai"
	case *MockAdapter:
		return "mock"
	case *RetryAdapter:
		return Name(a.inner)
	case *FallbackAdapter:
		return Name(a.primary) + "+" + Name(a.fallback)
	default:
		return "custom"
	}
}

func newAutoAdapter(cfg Config) Completer {
	var generate Completer
	if u := strings.TrimSpace(cfg.GenerateURL); u != "" {
		generate = NewGenerateAdapter(u, cfg.HTTPTimeout)
	}

	// Prefer the OpenAI-compatible endpoint when one is configured and keep the
	// generate endpoint as a second chance.
	if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		if oa, err := NewOpenAIAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.HTTPTimeout); err == nil {
			if generate != nil {
				return NewFallbackAdapter(oa, generate)
			}
			return oa
		}
	}
	if generate != nil {
		return generate
	}
	return NewMockAdapter()
}

// ErrEmptyCompletion marks a successful call that produced no text.
var ErrEmptyCompletion = errors.New("empty completion")

// nonEmpty treats a blank completion as a failed call.
func nonEmpty(op, text string) (Response, error) {
	if strings.TrimSpace(text) == "" {
		return Response{}, unavailable(op, ErrEmptyCompletion)
	}
	return Response{Text: text}, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
