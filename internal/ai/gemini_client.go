package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/models"
)

// ErrTokenBudget is returned when a request would exceed the tier's token or request window.
var ErrTokenBudget = errors.New("token budget exceeded: wait before retry")

// Generator produces a text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

type GeminiClient struct {
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter
	tokenCounter *TokenCounter
	client       *genai.Client
	model        string
	timeout      time.Duration
}

type TokenCounter struct {
	mu              sync.Mutex
	limits          RateLimits
	minuteTokens    int
	dailyTokens     int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time
	now             func() time.Time
}

func NewTokenCounter(limits RateLimits) *TokenCounter {
	return &TokenCounter{limits: limits, now: time.Now}
}

func NewGeminiClient(ctx context.Context, cfg *config.Config) (*GeminiClient, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for generation")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	limits := getRateLimits(cfg.GeminiTier)

	return &GeminiClient{
		breaker:      newBreaker("GeminiGenerate"),
		rateLimiter:  newLimiter(limits),
		tokenCounter: NewTokenCounter(limits),
		client:       client,
		model:        cfg.GenerativeModel,
		timeout:      cfg.GenerateTimeout,
	}, nil
}

func (gc *GeminiClient) Model() string { return gc.model }

// Generate asks the model for a JSON completion at zero temperature.
func (gc *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate_content")
	defer span.End()

	estimatedTokens := estimateTokens(prompt)
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", estimatedTokens),
		attribute.String("gemini.model", gc.model),
	)

	if !gc.tokenCounter.CanConsume(estimatedTokens, 1) {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", &models.GenerativeServiceError{Model: gc.model, Err: ErrTokenBudget}
	}

	if gc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gc.timeout)
		defer cancel()
	}

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", &models.GenerativeServiceError{Model: gc.model, Timeout: isTimeout(err), Err: err}
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.model)
		model.SetTemperature(0)
		model.SetMaxOutputTokens(2048)
		model.ResponseMIMEType = "application/json"

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			span.SetAttributes(attribute.String("gemini.error_message", err.Error()))
			return nil, err
		}

		actualTokens := gc.recordUsage(ctx, resp)
		span.SetAttributes(attribute.Int("gemini.actual_tokens", actualTokens))
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		if isBreakerOpen(err) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
		}
		return "", &models.GenerativeServiceError{Model: gc.model, Timeout: isTimeout(err), Err: err}
	}

	text := responseText(result.(*genai.GenerateContentResponse))
	if text == "" {
		return "", &models.GenerativeServiceError{Model: gc.model, Err: errors.New("empty response")}
	}
	span.SetAttributes(attribute.Bool("gemini.success", true))
	return text, nil
}

// recordUsage charges the response's tokens against the budget and the token metric.
func (gc *GeminiClient) recordUsage(ctx context.Context, resp *genai.GenerateContentResponse) int {
	tokens := extractTokenUsage(resp)
	gc.tokenCounter.RecordUsage(tokens, 1)
	telemetry.Default().RecordTokensUsed(ctx, int64(tokens), gc.model)
	return tokens
}

func (tc *TokenCounter) CanConsume(tokens, requests int) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()

	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.minuteRequests = 0
		tc.lastMinuteReset = now
	}

	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyTokens = 0
		tc.dailyRequests = 0
		tc.lastDayReset = now
	}

	// zero means unlimited
	if tc.limits.RPM > 0 && tc.minuteRequests+requests > tc.limits.RPM {
		return false
	}
	if tc.limits.TPM > 0 && tc.minuteTokens+tokens > tc.limits.TPM {
		return false
	}
	if tc.limits.RPD > 0 && tc.dailyRequests+requests > tc.limits.RPD {
		return false
	}

	return true
}

func (tc *TokenCounter) RecordUsage(tokens, requests int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.minuteTokens += tokens
	tc.minuteRequests += requests
	tc.dailyTokens += tokens
	tc.dailyRequests += requests
}

// Rough estimation: 1 token ≈ 4 characters
func estimateTokens(prompt string) int {
	return len(prompt) / 4
}

func extractTokenUsage(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}

	estimated := len(responseText(resp)) / 4
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
