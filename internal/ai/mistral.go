// mistral.go - Mistral vision extraction provider

package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
	"github.com/bosocmputer/doc_recon_gemini/internal/ratelimit"
)

const mistralChatURL = "https://api.mistral.ai/v1/chat/completions"

// MistralExtractor implements Extractor over the Mistral chat completions
// API with an image attachment and a JSON response format.
type MistralExtractor struct {
	apiKey    string
	modelName string
	retry     RetryConfig
	limiter   *ratelimit.RateLimiter
	costs     UsageRecorder
	client    *http.Client
	logger    *slog.Logger
}

// MistralOptions carries construction parameters for the Mistral provider.
type MistralOptions struct {
	APIKey      string
	ModelName   string
	MaxAttempts int
	Limiter     *ratelimit.RateLimiter
	Costs       UsageRecorder
	Logger      *slog.Logger
}

// NewMistralExtractor builds a Mistral-backed extractor.
func NewMistralExtractor(opts MistralOptions) (*MistralExtractor, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("mistral extractor: API key is required")
	}
	if opts.Costs == nil {
		return nil, fmt.Errorf("mistral extractor: usage recorder is required")
	}
	return &MistralExtractor{
		apiKey:    opts.APIKey,
		modelName: opts.ModelName,
		retry:     DefaultRetryConfig.withMaxAttempts(opts.MaxAttempts),
		limiter:   opts.Limiter,
		costs:     opts.Costs,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logging.WithComponent(opts.Logger, "mistral"),
	}, nil
}

// ModelName returns the configured Mistral model identifier.
func (m *MistralExtractor) ModelName() string {
	return m.modelName
}

type mistralContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type mistralMessage struct {
	Role    string               `json:"role"`
	Content []mistralContentPart `json:"content"`
}

type mistralResponseFormat struct {
	Type string `json:"type"`
}

type mistralChatRequest struct {
	Model          string                 `json:"model"`
	Temperature    float64                `json:"temperature"`
	ResponseFormat *mistralResponseFormat `json:"response_format,omitempty"`
	Messages       []mistralMessage       `json:"messages"`
}

type mistralChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type mistralChatResponse struct {
	Choices []mistralChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Extract sends the image to Mistral and parses the structured response.
func (m *MistralExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*ExtractionResult, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	request := mistralChatRequest{
		Model:          m.modelName,
		Temperature:    0,
		ResponseFormat: &mistralResponseFormat{Type: "json_object"},
		Messages: []mistralMessage{{
			Role: "user",
			Content: []mistralContentPart{
				{Type: "text", Text: extractionPrompt},
				{Type: "image_url", ImageURL: dataURL},
			},
		}},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, permanentError("schema", fmt.Errorf("marshal request: %w", err))
	}

	return retryExtract(ctx, m.retry, m.logger, func(ctx context.Context) (*ExtractionResult, error) {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, permanentError("canceled", err)
			}
		}
		return m.attempt(ctx, requestBody)
	})
}

// attempt performs a single extraction call and parses the JSON payload.
func (m *MistralExtractor) attempt(ctx context.Context, requestBody []byte) (*ExtractionResult, error) {
	choice, err := m.doChat(ctx, OpExtract, requestBody)
	if err != nil {
		return nil, err
	}

	result, err := parseExtractionJSON(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	result.Model = m.modelName
	return result, nil
}

// MatchIdentifier asks the model to arbitrate an identifier the fuzzy
// matcher could not settle. One attempt, plain text response.
func (m *MistralExtractor) MatchIdentifier(ctx context.Context, identifier string, candidates []string) (string, error) {
	request := mistralChatRequest{
		Model:       m.modelName,
		Temperature: 0,
		Messages: []mistralMessage{{
			Role:    "user",
			Content: []mistralContentPart{{Type: "text", Text: idMatchPrompt(identifier, candidates)}},
		}},
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", permanentError("schema", fmt.Errorf("marshal request: %w", err))
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", permanentError("canceled", err)
		}
	}

	choice, err := m.doChat(ctx, OpIDMatch, requestBody)
	if err != nil {
		return "", err
	}
	return parseIDMatchReply(choice.Message.Content), nil
}

// doChat performs one chat completions call and records its token usage
// under the given ledger operation, failed attempts included.
func (m *MistralExtractor) doChat(ctx context.Context, operation string, requestBody []byte) (*mistralChoice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mistralChatURL, bytes.NewReader(requestBody))
	if err != nil {
		m.costs.Record(operation, m.modelName, 0, 0)
		return nil, permanentError("bad_request", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		m.costs.Record(operation, m.modelName, 0, 0)
		return nil, classifyCallError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		m.costs.Record(operation, m.modelName, 0, 0)
		return nil, transientError("network_error", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		m.costs.Record(operation, m.modelName, 0, 0)
		var errResp mistralErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return nil, classifyHTTPStatus(resp.StatusCode,
				fmt.Errorf("mistral API error: %s", errResp.Error.Message))
		}
		return nil, classifyHTTPStatus(resp.StatusCode,
			fmt.Errorf("mistral API error: %s", string(body)))
	}

	var chat mistralChatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		m.costs.Record(operation, m.modelName, 0, 0)
		return nil, permanentError("schema", fmt.Errorf("parse chat response: %w", err))
	}
	m.costs.Record(operation, m.modelName, chat.Usage.PromptTokens, chat.Usage.CompletionTokens)

	if len(chat.Choices) == 0 {
		return nil, transientError("empty_response", fmt.Errorf("no choices in response"))
	}
	choice := chat.Choices[0]
	if choice.FinishReason == "length" {
		return nil, transientError("truncated", fmt.Errorf("response truncated by token limit"))
	}
	return &choice, nil
}
