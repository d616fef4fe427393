// Package llm produces chat completions through a ranked ladder of
// models on an OpenAI-compatible endpoint (Groq). Each response cycle
// walks the ladder from the most capable model down until one succeeds.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
	"github.com/ycchou/chatrelay/internal/timectx"
)

// Fixed sampling parameters for every request, regardless of tier.
const (
	maxTokens        = 600
	temperature      = 0.7
	presencePenalty  = 0.6
	frequencyPenalty = 0.3
)

// ExhaustedReply is the user-safe reply when every model tier failed.
const ExhaustedReply = "非常抱歉，兄長大人...我現在似乎無法正常回應。"

// ErrExhausted signals that the whole ladder failed. The triggering
// errors are logged, never surfaced to the end user.
var ErrExhausted = errors.New("all model tiers failed")

// Responder produces a reply for an ordered conversation history.
type Responder interface {
	Respond(ctx context.Context, history []models.ChatMessage) (string, error)
}

// FallbackResponder walks a fixed model ladder on an OpenAI-compatible
// completion endpoint. Failures advance to the next tier immediately;
// backoff belongs to the weather fetch path, not this one.
type FallbackResponder struct {
	client  openaigo.Client
	models  []string
	persona string
	times   *timectx.TimeContext
	logger  *zap.Logger
}

// New creates a FallbackResponder. modelLadder is ordered most capable
// first; persona is the fixed system-prompt text.
func New(apiKey, baseURL string, modelLadder []string, persona string, timeout time.Duration, times *timectx.TimeContext, logger *zap.Logger) *FallbackResponder {
	client := openaigo.NewClient(
		option.WithBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")),
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0), // the ladder owns retry policy
		option.WithRequestTimeout(timeout),
	)
	if times == nil {
		times = timectx.New()
	}
	return &FallbackResponder{
		client:  client,
		models:  modelLadder,
		persona: persona,
		times:   times,
		logger:  logger,
	}
}

// Respond tries each model in ladder order with the full history and
// returns the first completion, trimmed. When every tier fails it
// returns ExhaustedReply together with ErrExhausted.
func (r *FallbackResponder) Respond(ctx context.Context, history []models.ChatMessage) (string, error) {
	messages := r.buildMessages(history)

	var lastErr error
	for level, model := range r.models {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		reply, err := r.callModel(ctx, model, messages)
		if err == nil {
			observability.LLMFallbackDepth.Observe(float64(level))
			if level > 0 {
				r.logger.Info("completion succeeded after fallback",
					zap.String("model", model), zap.Int("fallbackLevel", level))
			}
			return reply, nil
		}

		lastErr = err
		r.logger.Error("model attempt failed, advancing fallback level",
			zap.String("model", model), zap.Int("fallbackLevel", level), zap.Error(err))
	}

	observability.LLMExhaustedTotal.Inc()
	r.logger.Error("all models failed", zap.Error(lastErr))
	return ExhaustedReply, ErrExhausted
}

func (r *FallbackResponder) callModel(ctx context.Context, model string, messages []openaigo.ChatCompletionMessageParamUnion) (string, error) {
	start := time.Now()
	resp, err := r.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model:            openaigo.ChatModel(model),
		Messages:         messages,
		MaxTokens:        openaigo.Int(maxTokens),
		Temperature:      openaigo.Float(temperature),
		PresencePenalty:  openaigo.Float(presencePenalty),
		FrequencyPenalty: openaigo.Float(frequencyPenalty),
	})
	observability.LLMCallDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.LLMCallsTotal.WithLabelValues(model, "error").Inc()
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		observability.LLMCallsTotal.WithLabelValues(model, "error").Inc()
		return "", errors.New("response contained no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		observability.LLMCallsTotal.WithLabelValues(model, "error").Inc()
		return "", errors.New("response contained empty completion")
	}

	observability.LLMCallsTotal.WithLabelValues(model, "success").Inc()
	return reply, nil
}

// buildMessages prefixes the persona system prompt, stamped with the
// current detailed time context, ahead of the conversation history.
func (r *FallbackResponder) buildMessages(history []models.ChatMessage) []openaigo.ChatCompletionMessageParamUnion {
	out := make([]openaigo.ChatCompletionMessageParamUnion, 0, 1+len(history))
	out = append(out, openaigo.SystemMessage(r.persona+"\n"+r.times.DetailedContext()))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			out = append(out, openaigo.AssistantMessage(msg.Content))
		default:
			out = append(out, openaigo.UserMessage(msg.Content))
		}
	}
	return out
}
