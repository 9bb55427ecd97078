package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opentutor/opentutor/internal/httpkit"
)

// OllamaClient talks to the Ollama /api/generate endpoint. One-shot
// requests only; the engine never streams.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates an Ollama client. An empty baseURL defaults
// to the local daemon. timeout bounds each call when the caller's
// context carries no earlier deadline.
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// Retry covers connection-refused while the daemon restarts
		// or loads a model.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, 500*time.Millisecond),
		),
	}
}

// generateRequest is the wire format for /api/generate.
type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	System  string           `json:"system,omitempty"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateResponse is the wire format of a non-streamed reply.
type generateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

// Generate implements Client.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: &generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &BackendError{
			Kind:   KindStatus,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", msg),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &BackendError{Kind: KindTransport, Err: fmt.Errorf("decode response: %w", err)}
	}

	return &GenerateResponse{
		Text:  strings.TrimSpace(out.Response),
		Model: out.Model,
	}, nil
}

// Ping implements Client by hitting the lightweight /api/tags
// endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &BackendError{Kind: KindStatus, Status: resp.StatusCode, Err: errors.New("ping failed")}
	}
	return nil
}

// classifyTransport separates timeout/cancellation from other
// transport failures so callers can tell them apart with errors.As.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &BackendError{Kind: KindTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &BackendError{Kind: KindTimeout, Err: err}
	}
	return &BackendError{Kind: KindTransport, Err: err}
}
