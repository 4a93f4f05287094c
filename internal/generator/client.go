package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sawako/antipoke/internal/prompt"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	maxSegments       = 5
	maxSegmentRunes   = 300
	defaultTimeoutSec = 30
)

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat completions endpoint and turns
// the answer into short message segments.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeoutSec * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: httpClient,
	}
}

// Reply generates the answer for one poke context.
func (c *Client) Reply(ctx context.Context, promptContext string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	promptContext = strings.TrimSpace(promptContext)
	if promptContext == "" {
		return nil, errors.New("prompt context is required")
	}
	if c.model == "" {
		return nil, errors.New("model is required")
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: promptContext},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat body: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = resp.Status
		}
		return nil, errors.New(message)
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode chat body: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("chat response has no choices")
	}

	segments := SplitSegments(decoded.Choices[0].Message.Content)
	if len(segments) == 0 {
		return nil, errors.New("chat response is empty")
	}
	return segments, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// SplitSegments breaks generated text into send-sized chunks, one per line,
// capped so a chatty model cannot flood the group.
func SplitSegments(text string) []string {
	out := make([]string, 0, maxSegments)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxSegmentRunes {
			line = string(runes[:maxSegmentRunes])
		}
		out = append(out, line)
		if len(out) == maxSegments {
			break
		}
	}
	return out
}
