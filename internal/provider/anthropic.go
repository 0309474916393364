package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicClient calls the Anthropic messages API
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	pacer   *Pacer
}

// NewAnthropicClient creates a client with the given API key and
// minimum inter-call spacing
func NewAnthropicClient(apiKey string, spacing time.Duration) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		pacer:   NewPacer(spacing),
	}
}

// SetBaseURL overrides the API endpoint, for tests
func (c *AnthropicClient) SetBaseURL(url string) {
	c.baseURL = strings.TrimSuffix(url, "/")
}

// Name implements Provider
func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements Provider. Failures are classified for the retry
// executor: overload and 5xx responses are transient, authentication
// and validation failures are fatal.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, &FatalError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decoding response: %w", err)}
	}

	var output strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			output.WriteString(block.Text)
		}
	}

	tokens := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	return &Result{
		Output:         output.String(),
		ItemsProcessed: 1,
		TokensUsed:     tokens,
		CostUSD:        modelCost(req.Model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}, nil
}

func classifyStatus(status int, body []byte) error {
	msg := apiErrorMessage(body)
	err := fmt.Errorf("anthropic: status %d: %s", status, msg)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return &FatalError{Err: err}
	default:
		// 429, 529 (overloaded) and 5xx all signal a retry later.
		return &TransientError{Err: err}
	}
}

func apiErrorMessage(body []byte) string {
	var parsed anthropicResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// modelPricing is USD per million tokens
type modelPricing struct {
	input  float64
	output float64
}

var pricing = map[string]modelPricing{
	"claude-opus":   {input: 15.00, output: 75.00},
	"claude-sonnet": {input: 3.00, output: 15.00},
	"claude-haiku":  {input: 0.80, output: 4.00},
}

func modelCost(model string, inputTokens, outputTokens int) float64 {
	for prefix, p := range pricing {
		if strings.HasPrefix(model, prefix) {
			return (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1e6
		}
	}
	// Unknown models get billed at the sonnet rate rather than zero,
	// so the cost cap still bites.
	return (float64(inputTokens)*3.00 + float64(outputTokens)*15.00) / 1e6
}
