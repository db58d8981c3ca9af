// Package notify delivers the daily digest to a chat webhook.
//
// Delivery is at-least-once: the transport has no dedup key, so a
// timeout after the message was actually received can lead to a
// duplicate on retry. That risk is accepted and not solved here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/hrfmtzk/mail-digest/model"
	"github.com/hrfmtzk/mail-digest/retry"
)

// Slack rejects messages with more than 50 blocks regardless of size.
const maxBlocksPerMessage = 50

// Options configures the webhook dispatcher.
type Options struct {
	WebhookURL string
	// MaxPayloadSize is the marshaled payload budget per message; a
	// digest exceeding it is split into multiple ordered messages.
	MaxPayloadSize int
	Retry          retry.Policy
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Dispatcher formats extraction results as Block Kit messages and posts
// them to the webhook with retry on transient transport failures.
type Dispatcher struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(opts Options, logger *slog.Logger) (*Dispatcher, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if opts.MaxPayloadSize <= 0 {
		return nil, fmt.Errorf("max payload size must be positive")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{opts: opts, client: client, logger: logger}, nil
}

// Dispatch filters out irrelevant results, splits the digest under the
// payload budget, and delivers the messages in order. A failure stops
// delivery of the remaining messages; already-delivered ones stay
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, results []model.ExtractionResult) model.DeliveryOutcome {
	var relevant []model.ExtractionResult
	for _, r := range results {
		if r.Relevant() {
			relevant = append(relevant, r)
		}
	}
	if len(relevant) == 0 {
		return model.DeliveryOutcome{Status: model.DeliverySkipped}
	}

	messages := d.buildMessages(relevant)

	delivered := 0
	for _, msg := range messages {
		if err := d.post(ctx, msg); err != nil {
			outcome := model.DeliveryOutcome{
				Status:   model.DeliveryFailed,
				Messages: delivered,
				Error:    err.Error(),
			}
			var rejected *rejectedError
			if errors.As(err, &rejected) {
				outcome.Status = model.DeliveryRejected
			}
			return outcome
		}
		delivered++
	}

	if d.logger != nil {
		d.logger.Info("digest delivered", "results", len(relevant), "messages", delivered)
	}
	return model.DeliveryOutcome{Status: model.DeliveryDelivered, Messages: delivered}
}

// NotifyError posts a short error notice for an aborted run. Failures
// here are logged and swallowed; the run report is the durable record.
func (d *Dispatcher) NotifyError(ctx context.Context, reason string) {
	msg := &slack.WebhookMessage{Text: fmt.Sprintf("Error: %s", reason)}
	if err := d.post(ctx, msg); err != nil && d.logger != nil {
		d.logger.Warn("error notice delivery failed", "err", err)
	}
}

// buildMessages renders the digest, starting a new message whenever the
// next entry would push the current one over the payload budget or the
// block cap. Entries keep their order and are never truncated: an entry
// that exceeds the budget on its own is sent as-is, and the transport
// may reject that message.
func (d *Dispatcher) buildMessages(results []model.ExtractionResult) []*slack.WebhookMessage {
	intro := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, ":email: New business email found", false, false),
		nil, nil,
	)

	var messages []*slack.WebhookMessage
	current := []slack.Block{intro}
	entries := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		messages = append(messages, &slack.WebhookMessage{
			Blocks: &slack.Blocks{BlockSet: current},
		})
		current = nil
		entries = 0
	}

	for _, r := range results {
		entry := entryBlocks(r)
		candidate := append(append([]slack.Block{}, current...), entry...)
		// Split only between entries, so the intro stays attached to the
		// first one even when that entry alone is over budget.
		if entries > 0 && (len(candidate) > maxBlocksPerMessage || payloadSize(candidate) > d.opts.MaxPayloadSize) {
			flush()
			candidate = entry
		}
		current = candidate
		entries++
	}
	flush()

	return messages
}

func entryBlocks(r model.ExtractionResult) []slack.Block {
	subject := r.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return []slack.Block{
		slack.NewDividerBlock(),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*", subject), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType, r.ReceivedAt.Format("2006/01/02 15:04"), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("%s · %s", r.From, r.Category), false, false),
		}, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.PlainTextType, r.Summary, true, false),
			nil, nil,
		),
	}
}

func payloadSize(blocks []slack.Block) int {
	data, err := json.Marshal(&slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}})
	if err != nil {
		return 0
	}
	return len(data)
}

// rejectedError marks a non-retryable transport rejection (HTTP 4xx).
type rejectedError struct {
	code int
	body string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("webhook rejected delivery: status %d: %s", e.code, e.body)
}

func (d *Dispatcher) post(ctx context.Context, msg *slack.WebhookMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode payload: %w", err))
	}

	return d.opts.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			// Timeouts and connection errors are transient.
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(&rejectedError{code: resp.StatusCode, body: string(bytes.TrimSpace(body))})
		}
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	})
}
