// Package vision calls a multimodal model to extract schema-shaped
// fields from a page image, and to identify a document's schema
// (SPEC_FULL.md §4.4 stage 5, §4.7 Detect). Grounded on the teacher's
// internal/llm package (OpenRouter HTTP client + retry/backoff), with
// the streaming-markdown response reshaped into a structured
// fields-plus-confidence JSON response since this domain extracts typed
// fields rather than free-form markdown.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/docvalue"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/schema"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultModel   = "google/gemini-2.5-flash-preview-09-2025"
)

// RetryConfig controls the backoff policy for transient failures,
// matching SPEC_FULL.md §4.4 stage 5 (base 1s, factor 2, cap 30s).
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the spec-mandated defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// ExtractionResult is returned by Extract for a single page.
type ExtractionResult struct {
	Fields     docvalue.FieldSet
	Confidence docvalue.ConfidenceSet
}

// Client is the VisionExtractor capability: it also implements
// schema.Detector so the same HTTP client backs both document
// extraction and schema identification.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *observability.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithModel(model string) Option     { return func(c *Client) { c.model = model } }
func WithBaseURL(url string) Option     { return func(c *Client) { c.baseURL = url } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }
func WithRetryConfig(r RetryConfig) Option { return func(c *Client) { c.retry = r } }
func WithLogger(l *observability.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a vision Client for apiKey, applying opts over the
// teacher's defaults (model, base URL) where unspecified.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		retry:      DefaultRetryConfig(),
		logger:     observability.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractionEnvelope is the JSON shape the prompt instructs the model to
// return: a flat map of field name to {value, confidence}.
type extractionEnvelope struct {
	Fields map[string]struct {
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
	} `json:"fields"`
}

// Extract calls the model against one page image for the given schema,
// returning extracted fields and per-field confidence.
func (c *Client) Extract(ctx context.Context, pageIndex int, pngBytes []byte, s schema.Schema) (ExtractionResult, error) {
	prompt := buildExtractionPrompt(s)
	content, err := c.call(ctx, prompt, pngBytes)
	if err != nil {
		return ExtractionResult{}, err
	}

	var envelope extractionEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return ExtractionResult{}, apperror.New(apperror.KindVisionUnavailable, "model returned unparseable extraction response", err)
	}

	fields := docvalue.FieldSet{}
	confidence := docvalue.ConfidenceSet{}
	for name, f := range envelope.Fields {
		fields[name] = decodeFieldValue(f.Value)
		confidence[name] = f.Confidence
	}

	return ExtractionResult{Fields: fields, Confidence: confidence}, nil
}

func decodeFieldValue(raw json.RawMessage) docvalue.Value {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return docvalue.NewText(asString)
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return docvalue.NewNumber(asNumber)
	}
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return docvalue.NewBool(asBool)
	}
	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		values := make([]docvalue.Value, len(asArray))
		for i, item := range asArray {
			values[i] = decodeFieldValue(item)
		}
		return docvalue.NewArray(values...)
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		values := make(map[string]docvalue.Value, len(asObject))
		for k, v := range asObject {
			values[k] = decodeFieldValue(v)
		}
		return docvalue.NewObject(values)
	}
	return docvalue.NA()
}

// DetectSchema implements schema.Detector.
func (c *Client) DetectSchema(ctx context.Context, samplePNG []byte, hint string, candidates []schema.Schema) (schema.DetectionResult, error) {
	prompt := buildDetectionPrompt(hint, candidates)
	content, err := c.call(ctx, prompt, samplePNG)
	if err != nil {
		return schema.DetectionResult{}, err
	}

	var decoded struct {
		SchemaName       string            `json:"schema_name"`
		Confidence       float64           `json:"confidence"`
		SuggestedFields  []string          `json:"suggested_fields"`
		CategoryMetadata map[string]string `json:"category_metadata"`
	}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return schema.DetectionResult{}, apperror.New(apperror.KindVisionUnavailable, "model returned unparseable detection response", err)
	}

	return schema.DetectionResult{
		SchemaName:       decoded.SchemaName,
		Confidence:       decoded.Confidence,
		SuggestedFields:  decoded.SuggestedFields,
		CategoryMetadata: decoded.CategoryMetadata,
	}, nil
}

func (c *Client) call(ctx context.Context, prompt string, pngBytes []byte) (string, error) {
	b64 := base64.StdEncoding.EncodeToString(pngBytes)
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &imageURL{URL: "data:image/png;base64," + b64}},
				},
			},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", apperror.Internal("marshal vision request", err)
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperror.VisionUnavailable(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperror.New(apperror.KindVisionUnavailable, "invalid vision API response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", apperror.New(apperror.KindVisionUnavailable, "vision API returned no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// doWithRetry sends the request with exponential backoff on transient
// HTTP failures, mirroring the teacher's internal/llm/retry.go
// (retryWithBackoff + shouldRetry + calculateBackoff) generalized into a
// method with the same base/factor/cap constants.
func (c *Client) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	lastStatus := 0

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, apperror.Cancelled()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, apperror.Internal("build vision request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		if err != nil {
			lastErr = err
			lastStatus = 0
		} else {
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("vision API returned HTTP %d", resp.StatusCode)
			if resp.Body != nil {
				resp.Body.Close()
			}
			if !shouldRetry(resp.StatusCode) {
				if resp.StatusCode == http.StatusTooManyRequests {
					return nil, apperror.VisionRateLimited(lastErr)
				}
				return nil, apperror.VisionUnavailable(lastErr)
			}
		}

		if attempt == c.retry.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, c.retry)
		c.logger.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Err(lastErr).Msg("vision request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, apperror.Cancelled()
		case <-time.After(backoff):
		}
	}

	exhausted := fmt.Errorf("request failed after %d retries: %w", c.retry.MaxRetries, lastErr)
	if lastStatus == http.StatusTooManyRequests {
		return nil, apperror.VisionRateLimited(exhausted)
	}
	return nil, apperror.VisionUnavailable(exhausted)
}

func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

func buildExtractionPrompt(s schema.Schema) string {
	return fmt.Sprintf(`You are a document field extraction expert. This image is one page of a %s document.

Extract exactly these fields, using the schema description to guide interpretation:
%s

Respond with ONLY a JSON object of the form:
{"fields": {"<field_name>": {"value": <string|number|boolean|array|object>, "confidence": <0..1>}}}

Only include fields you can find evidence for on this page. Do not fabricate values.`, s.Name, describeFields(s))
}

func describeFields(s schema.Schema) string {
	out := ""
	for name, f := range s.Fields {
		out += fmt.Sprintf("- %s (%s): %s\n", name, f.Type, f.Description)
	}
	return out
}

func buildDetectionPrompt(hint string, candidates []schema.Schema) string {
	names := ""
	for _, s := range candidates {
		names += fmt.Sprintf("- %s: %s\n", s.Name, s.Description)
	}
	hintClause := ""
	if hint != "" {
		hintClause = fmt.Sprintf("\nA hint was provided: %q.", hint)
	}
	return fmt.Sprintf(`You are a document classification expert. Given this page image, choose the single best-matching schema from the list below.%s

%s

If the page reveals document categorization details (domain, subdomain,
country_code, model_year, condition, make, model), include them as
string values under "category_metadata"; omit the key entirely otherwise.

Respond with ONLY a JSON object of the form:
{"schema_name": "<name>", "confidence": <0..1>, "suggested_fields": ["<field_name>", ...], "category_metadata": {"<key>": "<value>", ...}}`, hintClause, names)
}
