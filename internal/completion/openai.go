package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter sends the prompt as a single user message to an
// OpenAI-compatible chat completions endpoint (Ollama serves one under /v1).
type OpenAIAdapter struct {
	client openaigo.Client
}

func NewOpenAIAdapter(baseURL, apiKey string, timeout time.Duration) (*OpenAIAdapter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai base url is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		// Local OpenAI-compatible servers ignore the key but the client requires one.
		apiKey = "ollama"
	}

	client := openaigo.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	)
	return &OpenAIAdapter{client: client}, nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	params := openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(req.Model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.UserMessage(req.Prompt),
		},
	}

	if req.Stream {
		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var out strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				out.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
		if err := stream.Err(); err != nil {
			return Response{}, unavailable("chat completion stream", err)
		}
		return nonEmpty("chat completion stream", out.String())
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, unavailable("chat completion", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, unavailable("chat completion", errors.New("empty choices"))
	}
	return nonEmpty("chat completion", resp.Choices[0].Message.Content)
}
