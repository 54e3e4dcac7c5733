package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GenerateAdapter talks to an Ollama-style /api/generate endpoint: a JSON
// POST of {model, prompt, stream} answered by {"response": "..."} or, when
// streaming, by one such object per line.
type GenerateAdapter struct {
	url    string
	client *http.Client
}

func NewGenerateAdapter(url string, timeout time.Duration) *GenerateAdapter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GenerateAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type generateChunk struct {
	Response *string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (a *GenerateAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, unavailable("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, unavailable("send request", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, unavailable("generate", &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if req.Stream || strings.Contains(ct, "application/x-ndjson") {
		return a.consumeNDJSON(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, unavailable("read response", err)
	}
	var chunk generateChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return Response{}, unavailable("decode response", err)
	}
	if chunk.Error != "" {
		return Response{}, unavailable("generate", errors.New(chunk.Error))
	}
	if chunk.Response == nil {
		return Response{}, unavailable("decode response", errors.New("response field missing"))
	}
	return nonEmpty("generate", *chunk.Response)
}

func (a *GenerateAdapter) consumeNDJSON(body io.Reader) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return Response{}, unavailable("decode stream line", err)
		}
		if chunk.Error != "" {
			return Response{}, unavailable("generate", errors.New(chunk.Error))
		}
		if chunk.Response != nil {
			out.WriteString(*chunk.Response)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, unavailable("stream read", err)
	}
	return nonEmpty("generate stream", out.String())
}
