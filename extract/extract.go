// Package extract invokes the generative extraction capability on a
// parsed email and validates the response against a fixed schema.
package extract

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrfmtzk/mail-digest/model"
	"github.com/hrfmtzk/mail-digest/retry"
)

//go:embed extraction_schema.json
var schemaJSON []byte

// Extractor classifies and summarizes a single parsed email.
type Extractor interface {
	Extract(ctx context.Context, email model.ParsedEmail) (model.ExtractionResult, error)
}

// Options configures the extraction client.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// RatePerMinute caps request rate across all workers; 0 disables
	// the limiter.
	RatePerMinute int
	// QuotaFatal treats exhausted quota (429 insufficient_quota) as
	// fatal to the run instead of transient. Auth failures are always
	// fatal regardless.
	QuotaFatal bool
	Retry      retry.Policy
}

// Client calls an OpenAI-compatible chat completion endpoint in JSON
// mode. A single Client is shared by all pipeline workers; the limiter
// is the only shared mutable state.
type Client struct {
	api     *openai.Client
	opts    Options
	limiter *rate.Limiter
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// New builds an extraction client and compiles the response schema.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("extraction model is empty")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile extraction schema: %w", err)
	}

	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}

	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		opts:    opts,
		limiter: limiter,
		schema:  schema,
		logger:  logger,
	}, nil
}

type rawResult struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields"`
	Summary    string            `json:"summary"`
}

// Extract builds the prompt, invokes the model with the shared retry
// policy, and validates the response. Transient failures (429, 5xx,
// timeouts, network errors) are retried; a response that still fails
// schema validation on the final attempt surfaces as
// extraction_schema_error. Auth failures, and quota exhaustion under
// the QuotaFatal policy, are fatal to the run.
func (c *Client) Extract(ctx context.Context, email model.ParsedEmail) (model.ExtractionResult, error) {
	req := openai.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(email)},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var content string
	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			switch classify(err, c.opts.QuotaFatal) {
			case classFatal:
				return retry.Permanent(model.FatalErr(model.FailExtractionUnrecoverable, err))
			case classTransient:
				return err
			default:
				return retry.Permanent(model.ItemErr(model.FailExtraction, err))
			}
		}
		if len(resp.Choices) == 0 {
			return errors.New("empty completion response")
		}

		content = resp.Choices[0].Message.Content
		if err := c.validate([]byte(content)); err != nil {
			// The model may produce a valid response on the next
			// attempt; only the final failure is surfaced.
			return model.ItemErr(model.FailExtractionSchema, err)
		}
		return nil
	}

	if err := c.opts.Retry.Do(ctx, op); err != nil {
		if model.IsFatal(err) || model.KindOf(err) != "" {
			return model.ExtractionResult{}, err
		}
		return model.ExtractionResult{}, model.ItemErr(model.FailExtraction, err)
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return model.ExtractionResult{}, model.ItemErr(model.FailExtractionSchema, fmt.Errorf("decode response: %w", err))
	}

	result := model.ExtractionResult{
		MessageID:  email.Ref.ID,
		Category:   model.Category(raw.Category),
		Confidence: raw.Confidence,
		Fields:     raw.Fields,
		Summary:    raw.Summary,
		Subject:    email.Subject,
		From:       email.From,
		ReceivedAt: email.ReceivedAt,
	}
	if result.Category == model.CategoryIrrelevant {
		result.Fields = nil
		result.Summary = ""
	}

	if c.logger != nil {
		c.logger.Debug("extraction completed", "messageID", result.MessageID, "category", result.Category, "confidence", result.Confidence)
	}

	return result, nil
}

func (c *Client) validate(data []byte) error {
	var instance interface{}
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}
	result := c.schema.Validate(instance)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

const systemPrompt = `You review incoming business email for an accounting team.
Classify each email as "invoice", "contract" or "irrelevant" and extract the key facts.
Respond with a single JSON object:
  {"category": ..., "confidence": 0..1, "fields": {...}, "summary": ...}
For invoices, fields must contain "issuer", "amount" and "due_date".
For contracts, fields must contain "counterparty" and "effective_date".
For irrelevant email, fields must be {} and summary must be "".
The summary is 1-3 plain sentences for the team chat digest.`

func buildPrompt(email model.ParsedEmail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	fmt.Fprintf(&b, "From: %s\n", email.From)
	fmt.Fprintf(&b, "Date: %s\n", email.ReceivedAt.Format(time.RFC3339))
	if len(email.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for _, att := range email.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", att.Filename, att.ContentType, att.Size)
		}
	}
	b.WriteString("\n")
	b.WriteString(email.Body)
	return b.String()
}

type errClass int

const (
	classTransient errClass = iota
	classFatal
	classPermanent
)

func classify(err error, quotaFatal bool) errClass {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return classFatal
		case 429:
			if quotaFatal && isQuotaExhausted(apiErr) {
				return classFatal
			}
			return classTransient
		}
		if apiErr.HTTPStatusCode >= 500 {
			return classTransient
		}
		return classPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}

	// Unknown errors are assumed transient; the retry budget bounds the
	// damage and exhaustion surfaces them as extraction_failed.
	return classTransient
}

func isQuotaExhausted(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
		return true
	}
	return apiErr.Type == "insufficient_quota"
}
