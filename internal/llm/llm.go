// Package llm is the upstream-model boundary described in spec §6: a
// string-in/string-out call invoked only by the Rule Reasoner (§4.4, zero
// filter matches or a ranking tie). The Intent Compiler does not call it;
// on low confidence it returns a clarification question. The core
// always attempts to parse the response as typed JSON and falls back to a
// deterministic default on parse failure or call failure — the model never
// participates in an invariant (spec §9 "exceptions-for-control-flow").
//
// Grounded on the teacher's internal/compact/haiku.go: an anthropic-sdk-go
// client, exponential backoff via cenkalti/backoff/v4 in place of the
// teacher's hand-rolled retry loop, and OTel span/metric instrumentation
// via internal/telemetry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
	"github.com/reconcile-labs/reconcile/internal/telemetry"
)

const defaultMaxRetries = 3

// Client is the upstream model boundary. It is safe for concurrent use.
type Client struct {
	client     anthropic.Client
	model      anthropic.Model
	maxRetries int
	timeout    time.Duration

	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

// New builds a Client. apiKey must be non-empty; the CLI passes
// config.Config.AnthropicAPIKey.
func New(apiKey, model string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("llm: API key required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	m := telemetry.Meter("github.com/reconcile-labs/reconcile/llm")
	inputTokens, _ := m.Int64Counter("reconcile.llm.input_tokens", metric.WithUnit("{token}"))
	outputTokens, _ := m.Int64Counter("reconcile.llm.output_tokens", metric.WithUnit("{token}"))
	duration, _ := m.Float64Histogram("reconcile.llm.request.duration", metric.WithUnit("ms"))

	return &Client{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:        anthropic.Model(model),
		maxRetries:   defaultMaxRetries,
		timeout:      timeout,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		duration:     duration,
	}, nil
}

// Complete sends prompt and returns the model's raw text response. On any
// failure (timeout, non-retryable API error, retries exhausted) it returns
// an *rcaerrors.Error of KindUpstreamModelError; callers fall back to a
// deterministic default rather than propagate it as fatal (spec §7).
func (c *Client) Complete(ctx context.Context, stage, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tracer := telemetry.Tracer("github.com/reconcile-labs/reconcile/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("reconcile.llm.model", string(c.model)))

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries))
	bo = backoff.WithContext(bo, ctx)

	var text string
	var attempts int
	err := backoff.Retry(func() error {
		attempts++
		t0 := time.Now()
		message, callErr := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if callErr == nil {
			modelAttr := attribute.String("reconcile.llm.model", string(c.model))
			if c.inputTokens != nil {
				c.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				c.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				c.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			if len(message.Content) == 0 {
				return backoff.Permanent(fmt.Errorf("llm: empty response"))
			}
			content := message.Content[0]
			if content.Type != "text" {
				return backoff.Permanent(fmt.Errorf("llm: unexpected content type %q", content.Type))
			}
			text = content.Text
			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !isRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, bo)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", rcaerrors.New(stage, rcaerrors.KindUpstreamModelError, err,
			map[string]any{"attempts": attempts, "model": string(c.model)})
	}
	span.SetAttributes(attribute.Int("reconcile.llm.attempts", attempts))
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
