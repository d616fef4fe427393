package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/timectx"
)

var testLadder = []string{
	"llama-3.2-90b-text-preview",
	"llama-3.1-70b-versatile",
	"llama-3.2-11b-text-preview",
	"llama-3.1-8b-instant",
}

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

// fakeLLMServer fails every model whose ladder index is below failBelow,
// then answers with content.
func fakeLLMServer(t *testing.T, failBelow int, content string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recordedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)

		level := -1
		for i, m := range testLadder {
			if m == req.Model {
				level = i
			}
		}
		if level < failBelow {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"model overloaded"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":%q,
			"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`,
			req.Model, content)
	}))
	return srv, &requests
}

func fixedTimes() *timectx.TimeContext {
	instant := time.Date(2024, time.March, 15, 14, 0, 0, 0, time.UTC)
	return timectx.NewWithClock(func() time.Time { return instant })
}

func newTestResponder(url, persona string) *FallbackResponder {
	return New("test-key", url, testLadder, persona, 5*time.Second, fixedTimes(), zap.NewNop())
}

func TestRespond_PrimaryModelSucceeds(t *testing.T) {
	srv, requests := fakeLLMServer(t, 0, "  你好，兄長大人  ")
	defer srv.Close()

	reply, err := newTestResponder(srv.URL, "persona").Respond(context.Background(), []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "你好，兄長大人" {
		t.Errorf("Respond() = %q, want trimmed completion", reply)
	}
	if len(*requests) != 1 {
		t.Fatalf("made %d calls, want 1", len(*requests))
	}
	if (*requests)[0].Model != testLadder[0] {
		t.Errorf("called model %q, want primary %q", (*requests)[0].Model, testLadder[0])
	}
}

func TestRespond_FallsThroughToWorkingTier(t *testing.T) {
	srv, requests := fakeLLMServer(t, 3, "terse answer")
	defer srv.Close()

	reply, err := newTestResponder(srv.URL, "persona").Respond(context.Background(), []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "terse answer" {
		t.Errorf("Respond() = %q, want completion from level 3", reply)
	}
	if len(*requests) != 4 {
		t.Fatalf("made %d calls, want 4 (levels 0-3)", len(*requests))
	}
	for i, req := range *requests {
		if req.Model != testLadder[i] {
			t.Errorf("call %d used model %q, want %q", i, req.Model, testLadder[i])
		}
	}
}

func TestRespond_ExhaustedReturnsApology(t *testing.T) {
	srv, requests := fakeLLMServer(t, len(testLadder), "unreachable")
	defer srv.Close()

	reply, err := newTestResponder(srv.URL, "persona").Respond(context.Background(), []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Respond() error = %v, want ErrExhausted", err)
	}
	if reply != ExhaustedReply {
		t.Errorf("Respond() = %q, want fixed apology", reply)
	}
	if len(*requests) != len(testLadder) {
		t.Errorf("made %d calls, want %d (every tier once)", len(*requests), len(testLadder))
	}
}

func TestRespond_RequestShape(t *testing.T) {
	srv, requests := fakeLLMServer(t, 0, "ok")
	defer srv.Close()

	persona := "你是一位溫柔的妹妹。"
	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "早安"},
		{Role: models.RoleAssistant, Content: "早安！"},
		{Role: models.RoleUser, Content: "今天如何"},
	}
	if _, err := newTestResponder(srv.URL, persona).Respond(context.Background(), history); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	req := (*requests)[0]
	if req.MaxTokens != 600 || req.Temperature != 0.7 || req.PresencePenalty != 0.6 || req.FrequencyPenalty != 0.3 {
		t.Errorf("sampling params = %+v, want max_tokens 600, temp 0.7, presence 0.6, frequency 0.3", req)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("request carried %d messages, want system + 3 history", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || !strings.HasPrefix(req.Messages[0].Content, persona) {
		t.Errorf("first message = %+v, want system persona", req.Messages[0])
	}
	if !strings.Contains(req.Messages[0].Content, "星期") {
		t.Errorf("system prompt missing time context: %q", req.Messages[0].Content)
	}
	if req.Messages[1].Role != "user" || req.Messages[2].Role != "assistant" || req.Messages[3].Role != "user" {
		t.Errorf("history roles wrong: %+v", req.Messages[1:])
	}
}

func TestRespond_EmptyChoicesAdvancesLadder(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"m","choices":[]}`)
			return
		}
		fmt.Fprint(w, `{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"recovered"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	reply, err := newTestResponder(srv.URL, "persona").Respond(context.Background(), []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "recovered" {
		t.Errorf("Respond() = %q, want completion from second tier", reply)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2", calls)
	}
}
