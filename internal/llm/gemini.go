package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/hass-insights/internal/httpkit"
)

// DefaultGeminiBaseURL is the public Generative Language API endpoint.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// geminiSafetyCategories are blocked at medium probability and above.
var geminiSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey          string
	Model           string
	BaseURL         string
	Temperature     float64
	MaxOutputTokens int
}

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	cfg        GeminiConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}

	// Generation can take a long time before headers arrive. The caller
	// bounds each call with a context deadline instead.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 0

	return &GeminiClient{
		cfg:    cfg,
		logger: logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Send generates a reply for prompt.
func (c *GeminiClient) Send(ctx context.Context, prompt string) (string, error) {
	resp, err := c.generate(ctx, prompt, c.cfg.MaxOutputTokens)
	if err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		if reason := resp.PromptFeedback.BlockReason; reason != "" {
			return "", malformed("gemini", "prompt blocked: "+reason, nil)
		}
		return "", malformed("gemini", "response has no candidates", nil)
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		return "", malformed("gemini", "empty candidate (finish reason "+resp.Candidates[0].FinishReason+")", nil)
	}

	c.logger.Debug("response received",
		"model", c.cfg.Model,
		"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
		"output_tokens", resp.UsageMetadata.CandidatesTokenCount,
		"finish_reason", resp.Candidates[0].FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", text.String())

	return text.String(), nil
}

// Ping sends a one-token request to verify the API key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	_, err := c.generate(ctx, "ping", 1)
	return err
}

func (c *GeminiClient) generate(ctx context.Context, prompt string, maxTokens int) (*geminiResponse, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	for _, cat := range geminiSafetyCategories {
		req.SafetySettings = append(req.SafetySettings, geminiSafetySetting{
			Category:  cat,
			Threshold: "BLOCK_MEDIUM_AND_ABOVE",
		})
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.cfg.BaseURL, url.PathEscape(c.cfg.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportFailure("gemini", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, classifyStatus("gemini", resp.StatusCode, errBody)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed("gemini", "decode response", err)
	}
	return &out, nil
}
