// gemini.go - Gemini vision extraction provider

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/bosocmputer/doc_recon_gemini/internal/cost"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
	"github.com/bosocmputer/doc_recon_gemini/internal/ratelimit"
)

// Ledger operation names, one per kind of model call.
const (
	OpExtract = "extract"
	OpIDMatch = "id_match"
)

// UsageRecorder receives per-attempt token usage. *cost.Accountant
// satisfies it.
type UsageRecorder interface {
	Record(operation, model string, inputTokens, outputTokens int) cost.Record
}

// GeminiExtractor calls the Gemini API with a fixed JSON response schema.
type GeminiExtractor struct {
	apiKey          string
	modelName       string
	maxOutputTokens int32
	retry           RetryConfig
	limiter         *ratelimit.RateLimiter
	costs           UsageRecorder
	logger          *slog.Logger
}

// GeminiOptions carries construction parameters for the Gemini provider.
type GeminiOptions struct {
	APIKey          string
	ModelName       string
	MaxOutputTokens int32
	MaxAttempts     int
	Limiter         *ratelimit.RateLimiter
	Costs           UsageRecorder
	Logger          *slog.Logger
}

// NewGeminiExtractor builds a Gemini-backed extractor.
func NewGeminiExtractor(opts GeminiOptions) (*GeminiExtractor, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini extractor: API key is required")
	}
	if opts.Costs == nil {
		return nil, fmt.Errorf("gemini extractor: usage recorder is required")
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &GeminiExtractor{
		apiKey:          opts.APIKey,
		modelName:       opts.ModelName,
		maxOutputTokens: maxTokens,
		retry:           DefaultRetryConfig.withMaxAttempts(opts.MaxAttempts),
		limiter:         opts.Limiter,
		costs:           opts.Costs,
		logger:          logging.WithComponent(opts.Logger, "gemini"),
	}, nil
}

// ModelName returns the configured Gemini model identifier.
func (g *GeminiExtractor) ModelName() string {
	return g.modelName
}

// Extract sends the image to Gemini and parses the structured response.
// Each API attempt's token usage is recorded, including failed attempts
// (a failed call still bills the prompt tokens).
func (g *GeminiExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*ExtractionResult, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, classifyCallError(fmt.Errorf("create gemini client: %w", err))
	}
	defer client.Close()

	model := client.GenerativeModel(g.modelName)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &g.maxOutputTokens,
	}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = extractionSchema()

	return retryExtract(ctx, g.retry, g.logger, func(ctx context.Context) (*ExtractionResult, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, permanentError("canceled", err)
			}
		}

		resp, err := model.GenerateContent(ctx,
			genai.Text(extractionPrompt),
			genai.Blob{MIMEType: mimeType, Data: image},
		)
		g.recordUsage(OpExtract, resp)
		if err != nil {
			return nil, classifyCallError(err)
		}
		return g.parseResponse(resp)
	})
}

// MatchIdentifier asks the model to arbitrate an identifier the fuzzy
// matcher could not settle. One attempt only: a failed arbitration just
// leaves the image ambiguous, so retrying is not worth the tokens.
func (g *GeminiExtractor) MatchIdentifier(ctx context.Context, identifier string, candidates []string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", classifyCallError(fmt.Errorf("create gemini client: %w", err))
	}
	defer client.Close()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", permanentError("canceled", err)
		}
	}

	model := client.GenerativeModel(g.modelName)
	resp, err := model.GenerateContent(ctx, genai.Text(idMatchPrompt(identifier, candidates)))
	g.recordUsage(OpIDMatch, resp)
	if err != nil {
		return "", classifyCallError(err)
	}

	text := candidateText(resp)
	if text == "" {
		return "", transientError("empty_response", fmt.Errorf("no text in id match response"))
	}
	return parseIDMatchReply(text), nil
}

// recordUsage reports one attempt's tokens to the ledger. A nil response
// (transport failure) still gets a zero-usage record so the attempt count
// in the ledger matches reality.
func (g *GeminiExtractor) recordUsage(operation string, resp *genai.GenerateContentResponse) {
	var in, out int
	if resp != nil && resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	g.costs.Record(operation, g.modelName, in, out)
}

// candidateText returns the first text part of the first candidate, or "".
func candidateText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			return string(text)
		}
	}
	return ""
}

// parseResponse validates the candidate and unmarshals the JSON payload.
func (g *GeminiExtractor) parseResponse(resp *genai.GenerateContentResponse) (*ExtractionResult, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return nil, permanentError("policy",
				fmt.Errorf("prompt blocked: %v", resp.PromptFeedback.BlockReason))
		}
		return nil, transientError("empty_response", fmt.Errorf("no candidates in response"))
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		return nil, transientError("truncated",
			fmt.Errorf("response truncated at %d output tokens", g.maxOutputTokens))
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, transientError("empty_response",
			fmt.Errorf("candidate has no content (finish reason: %v)", candidate.FinishReason))
	}

	var payload string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			payload = string(text)
			break
		}
	}
	if payload == "" {
		return nil, transientError("empty_response", fmt.Errorf("no text part in candidate"))
	}

	result, err := parseExtractionJSON(payload)
	if err != nil {
		return nil, err
	}
	result.Model = g.modelName
	return result, nil
}

// extractionSchema is the response schema enforced on every Gemini call.
func extractionSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"identifier": {
				Type:        genai.TypeString,
				Description: "Primary company or account identifier exactly as printed. Empty string if not visible.",
			},
			"amount": {
				Type:        genai.TypeString,
				Description: "Main total amount, digits and separators only. Empty string if not present.",
			},
			"date": {
				Type:        genai.TypeString,
				Description: "Document date exactly as printed. Empty string if not present.",
			},
			"raw_text": {
				Type:        genai.TypeString,
				Description: "All visible text, top to bottom, left to right, lines separated by newline (\\n).",
			},
		},
		Required: []string{"identifier", "raw_text"},
	}
}

// parseExtractionJSON turns a raw model payload into an ExtractionResult.
// Markdown fences are stripped and common escaping defects repaired before
// unmarshaling. A payload that still fails to parse, or that carries no
// identifier, is a permanent schema violation.
func parseExtractionJSON(payload string) (*ExtractionResult, error) {
	cleaned := stripMarkdownFences(payload)
	cleaned = fixJSONEscaping(cleaned)

	var result ExtractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		preview := cleaned
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, permanentError("schema",
			fmt.Errorf("unmarshal model response: %w (preview: %q)", err, preview))
	}

	result.Identifier = strings.TrimSpace(result.Identifier)
	if result.Identifier == "" {
		return nil, permanentError("schema", fmt.Errorf("model returned no identifier"))
	}
	result.RawResponse = payload
	return &result, nil
}

// stripMarkdownFences removes a ```json ... ``` wrapper some models emit
// despite the JSON response MIME type.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var jsonStringRE = regexp.MustCompile(`"([^"]*(?:\\.[^"]*)*)"`)

// fixJSONEscaping repairs literal control characters inside JSON string
// values. Models sometimes emit a real newline where \n belongs, which
// breaks the parser.
func fixJSONEscaping(jsonStr string) string {
	return jsonStringRE.ReplaceAllStringFunc(jsonStr, func(match string) string {
		if len(match) < 2 {
			return match
		}
		content := match[1 : len(match)-1]

		content = strings.ReplaceAll(content, "\\ ", "\\\\ ")
		content = strings.ReplaceAll(content, "\n", "\\n")
		content = strings.ReplaceAll(content, "\r", "\\r")
		content = strings.ReplaceAll(content, "\t", "\\t")

		var builder strings.Builder
		for _, ch := range content {
			if ch < 0x20 {
				builder.WriteString(fmt.Sprintf("\\u%04x", ch))
			} else {
				builder.WriteRune(ch)
			}
		}
		return `"` + builder.String() + `"`
	})
}
