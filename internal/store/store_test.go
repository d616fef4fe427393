package store

import (
	"context"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/ycchou/chatrelay/internal/models"
)

// fakeKV is an in-memory stand-in for the memcache client.
type fakeKV struct {
	data    map[string][]byte
	getErr  error
	setErr  error
	delErr  error
	setKeys []string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(key string) (*memcache.Item, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	raw, ok := f.data[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: raw}, nil
}

func (f *fakeKV) Set(item *memcache.Item) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.data[item.Key] = item.Value
	f.setKeys = append(f.setKeys, item.Key)
	return nil
}

func (f *fakeKV) Delete(key string) error {
	if f.delErr != nil {
		return f.delErr
	}
	if _, ok := f.data[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.data, key)
	return nil
}

func TestAppendTurn_BuildsOrderedLog(t *testing.T) {
	kv := newFakeKV()
	s := newWithKV(kv)
	ctx := context.Background()

	turns := []models.ConversationTurn{
		{UserMessage: "hi", BotReply: "hello", Timestamp: "2024-03-15 09:00:00"},
		{UserMessage: "how are you", BotReply: "fine", Timestamp: "2024-03-15 09:01:00"},
	}
	for _, turn := range turns {
		if err := s.AppendTurn(ctx, "user-1", turn); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	got, err := s.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History() returned %d turns, want 2", len(got))
	}
	if got[0].UserMessage != "hi" || got[1].UserMessage != "how are you" {
		t.Errorf("History() order wrong: %+v", got)
	}
}

func TestHistory_MissingKeyIsEmpty(t *testing.T) {
	s := newWithKV(newFakeKV())

	got, err := s.History(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("History() for unknown user = %d turns, want 0", len(got))
	}
}

func TestClearHistory(t *testing.T) {
	kv := newFakeKV()
	s := newWithKV(kv)
	ctx := context.Background()

	if err := s.AppendTurn(ctx, "user-1", models.ConversationTurn{UserMessage: "hi"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if err := s.AppendTurn(ctx, "user-2", models.ConversationTurn{UserMessage: "yo"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	if err := s.ClearHistory(ctx, "user-1"); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}

	got, _ := s.History(ctx, "user-1")
	if len(got) != 0 {
		t.Errorf("History() after clear = %d turns, want 0", len(got))
	}
	other, _ := s.History(ctx, "user-2")
	if len(other) != 1 {
		t.Errorf("ClearHistory affected another user's log: %d turns, want 1", len(other))
	}
}

func TestClearHistory_AbsentLogIsNoop(t *testing.T) {
	s := newWithKV(newFakeKV())
	if err := s.ClearHistory(context.Background(), "nobody"); err != nil {
		t.Errorf("ClearHistory() for absent log error = %v, want nil", err)
	}
}

func TestSubscribers_RoundTrip(t *testing.T) {
	s := newWithKV(newFakeKV())
	ctx := context.Background()

	empty, err := s.LoadSubscribers(ctx)
	if err != nil {
		t.Fatalf("LoadSubscribers() error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("LoadSubscribers() before save = %v, want empty", empty)
	}

	want := []string{"alpha", "beta"}
	if err := s.SaveSubscribers(ctx, want); err != nil {
		t.Fatalf("SaveSubscribers() error = %v", err)
	}
	got, err := s.LoadSubscribers(ctx)
	if err != nil {
		t.Fatalf("LoadSubscribers() error = %v", err)
	}
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("LoadSubscribers() = %v, want %v", got, want)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newWithKV(newFakeKV())
	ctx := context.Background()

	_, ok, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if ok {
		t.Fatal("LoadSnapshot() before save reported a snapshot")
	}

	snap := models.WeatherSnapshot{
		Location:    "Taipei",
		Temperature: 23.4,
		FeelsLike:   24.1,
		Humidity:    80,
		Description: "多雲",
		Timestamp:   "2024-03-15 06:00:00",
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	got, ok, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadSnapshot() after save found nothing")
	}
	if got != snap {
		t.Errorf("LoadSnapshot() = %+v, want %+v", got, snap)
	}
}

func TestOperations_RespectCancelledContext(t *testing.T) {
	s := newWithKV(newFakeKV())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.History(ctx, "u"); err == nil {
		t.Error("History() with cancelled ctx = nil error")
	}
	if err := s.SaveSubscribers(ctx, nil); err == nil {
		t.Error("SaveSubscribers() with cancelled ctx = nil error")
	}
	if err := s.SaveSnapshot(ctx, models.WeatherSnapshot{}); err == nil {
		t.Error("SaveSnapshot() with cancelled ctx = nil error")
	}
}
