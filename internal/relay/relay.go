// Package relay is the per-message pipeline: validate, enhance, consult
// the conversation history, ask the LLM, and persist the exchange.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/enhance"
	"github.com/ycchou/chatrelay/internal/llm"
	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
	"github.com/ycchou/chatrelay/internal/timectx"
	"github.com/ycchou/chatrelay/internal/validation"
)

// ForgetCommand wipes the user's conversation history when received verbatim.
const ForgetCommand = "忘掉一切吧"

const (
	forgetReply  = "已經忘掉所有過去的對話紀錄。"
	tooLongReply = "訊息太長了，請分段傳給我好嗎？"
	panicReply   = "抱歉，處理訊息時發生錯誤。"
)

// Enhancer routes a message to a direct answer or returns it enriched.
type Enhancer interface {
	Enhance(ctx context.Context, userID, msg string) enhance.Result
}

// Responder produces the assistant reply for a conversation.
type Responder interface {
	Respond(ctx context.Context, history []models.ChatMessage) (string, error)
}

// ConversationStore is the slice of the KV store the pipeline uses.
type ConversationStore interface {
	History(ctx context.Context, userID string) ([]models.ConversationTurn, error)
	AppendTurn(ctx context.Context, userID string, turn models.ConversationTurn) error
	ClearHistory(ctx context.Context, userID string) error
}

// Pipeline handles one inbound message end to end. A reply is always
// returned; an empty reply means the message should be silently dropped.
type Pipeline struct {
	enhancer  Enhancer
	responder Responder
	store     ConversationStore
	times     *timectx.TimeContext
	logger    *zap.Logger

	// historyBudget caps the total character count of history sent to
	// the LLM. Oldest turns are dropped first.
	historyBudget int
}

// New creates a Pipeline.
func New(enhancer Enhancer, responder Responder, store ConversationStore, times *timectx.TimeContext, historyBudget int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		enhancer:      enhancer,
		responder:     responder,
		store:         store,
		times:         times,
		logger:        logger,
		historyBudget: historyBudget,
	}
}

// HandleMessage processes one message and returns the reply to send. A
// panic anywhere in the pipeline is converted into a generic apology so
// one bad message cannot take the gateway worker down.
func (p *Pipeline) HandleMessage(ctx context.Context, userID, content string) (reply string) {
	start := time.Now()
	log := p.logger.With(
		zap.String("correlationId", uuid.New().String()),
		zap.String("userId", userID))

	defer func() {
		if r := recover(); r != nil {
			observability.MessagesTotal.WithLabelValues("panic").Inc()
			log.Error("message pipeline panicked", zap.Any("panic", r))
			reply = panicReply
		}
		observability.MessageDuration.Observe(time.Since(start).Seconds())
	}()

	cleaned, err := validation.ValidateMessage(content)
	if err != nil {
		if errors.Is(err, validation.ErrMessageTooLong) {
			observability.MessagesTotal.WithLabelValues("rejected").Inc()
			return tooLongReply
		}
		observability.MessagesTotal.WithLabelValues("dropped").Inc()
		return ""
	}

	if cleaned == ForgetCommand {
		if err := p.store.ClearHistory(ctx, userID); err != nil {
			observability.StoreErrorsTotal.WithLabelValues("clear_history").Inc()
			log.Error("clear history failed", zap.Error(err))
		}
		observability.MessagesTotal.WithLabelValues("forget").Inc()
		log.Info("conversation history cleared")
		return forgetReply
	}

	enhanced := p.enhancer.Enhance(ctx, userID, cleaned)
	if enhanced.Direct {
		observability.MessagesTotal.WithLabelValues("direct").Inc()
		return enhanced.Reply
	}

	messages := p.conversation(ctx, userID, log)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: enhanced.Message})

	answer, err := p.responder.Respond(ctx, messages)
	if err != nil {
		// An exhausted ladder still yields a deliverable apology, and
		// the exchange is recorded like any other completed cycle.
		if errors.Is(err, llm.ErrExhausted) {
			observability.MessagesTotal.WithLabelValues("exhausted").Inc()
			p.persistTurn(ctx, userID, cleaned, answer, log)
			return answer
		}
		observability.MessagesTotal.WithLabelValues("error").Inc()
		log.Error("responder failed", zap.Error(err))
		return panicReply
	}

	p.persistTurn(ctx, userID, cleaned, answer, log)
	observability.MessagesTotal.WithLabelValues("relayed").Inc()
	return answer
}

// conversation loads the stored history and converts the most recent
// turns that fit the character budget into chat messages. A store
// failure degrades to an empty history rather than failing the message.
func (p *Pipeline) conversation(ctx context.Context, userID string, log *zap.Logger) []models.ChatMessage {
	turns, err := p.store.History(ctx, userID)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("history").Inc()
		log.Warn("history load failed, continuing without context", zap.Error(err))
		return nil
	}

	kept := turns
	if p.historyBudget > 0 {
		total := 0
		for i := len(turns) - 1; i >= 0; i-- {
			total += len(turns[i].UserMessage) + len(turns[i].BotReply)
			if total > p.historyBudget {
				kept = turns[i+1:]
				break
			}
		}
	}

	messages := make([]models.ChatMessage, 0, len(kept)*2)
	for _, turn := range kept {
		messages = append(messages,
			models.ChatMessage{Role: models.RoleUser, Content: turn.UserMessage},
			models.ChatMessage{Role: models.RoleAssistant, Content: turn.BotReply})
	}
	return messages
}

// persistTurn stores the exchange with the user's original wording, not
// the enhanced variant the LLM saw. Store failures are swallowed so the
// reply is still delivered.
func (p *Pipeline) persistTurn(ctx context.Context, userID, userMsg, reply string, log *zap.Logger) {
	turn := models.ConversationTurn{
		UserMessage: userMsg,
		BotReply:    reply,
		Timestamp:   p.times.FormattedTime(),
	}
	if err := p.store.AppendTurn(ctx, userID, turn); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("append_turn").Inc()
		log.Error("persist conversation turn failed", zap.Error(err))
	}
}
