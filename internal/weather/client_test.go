package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ycchou/chatrelay/internal/timectx"
)

const sampleBody = `{
	"main": {"temp": 23.456, "feels_like": 25.04, "humidity": 78},
	"weather": [{"description": "多雲"}],
	"name": "Taipei"
}`

func fixedTimes() *timectx.TimeContext {
	instant := time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)
	return timectx.NewWithClock(func() time.Time { return instant })
}

func newTestClient(t *testing.T, url string, attempts int, baseDelay time.Duration) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClient("test-key", url, "Taipei", 2*time.Second, attempts, baseDelay, fixedTimes())
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestFetchCurrent_MapsAndRounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "Taipei" || q.Get("units") != "metric" || q.Get("lang") != "zh_tw" {
			t.Errorf("unexpected query params: %s", r.URL.RawQuery)
		}
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv.URL, 3, time.Millisecond).FetchCurrent(context.Background())
	if err != nil {
		t.Fatalf("FetchCurrent() error = %v", err)
	}
	if snap.Temperature != 23.5 {
		t.Errorf("Temperature = %v, want 23.5 (rounded to 1 decimal)", snap.Temperature)
	}
	if snap.FeelsLike != 25.0 {
		t.Errorf("FeelsLike = %v, want 25.0", snap.FeelsLike)
	}
	if snap.Humidity != 78 {
		t.Errorf("Humidity = %d, want 78", snap.Humidity)
	}
	if snap.Description != "多雲" {
		t.Errorf("Description = %q, want 多雲", snap.Description)
	}
	if snap.Location != "Taipei" {
		t.Errorf("Location = %q, want Taipei", snap.Location)
	}
	if snap.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
}

// TestFetchCurrent_RetriesWithBackoff verifies that a provider failing
// twice then succeeding produces exactly 3 calls, with the second
// inter-call delay double the first.
func TestFetchCurrent_RetriesWithBackoff(t *testing.T) {
	var callTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callTimes = append(callTimes, time.Now())
		if len(callTimes) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	base := 50 * time.Millisecond
	snap, err := newTestClient(t, srv.URL, 3, base).FetchCurrent(context.Background())
	if err != nil {
		t.Fatalf("FetchCurrent() error = %v", err)
	}
	if snap.Temperature != 23.5 {
		t.Errorf("Temperature = %v after retries, want mapped success", snap.Temperature)
	}
	if len(callTimes) != 3 {
		t.Fatalf("upstream called %d times, want 3", len(callTimes))
	}

	gap1 := callTimes[1].Sub(callTimes[0])
	gap2 := callTimes[2].Sub(callTimes[1])
	if gap1 < base {
		t.Errorf("first backoff = %v, want >= %v", gap1, base)
	}
	if gap2 < 2*base {
		t.Errorf("second backoff = %v, want >= %v (doubled)", gap2, 2*base)
	}
}

func TestFetchCurrent_ExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3, time.Millisecond).FetchCurrent(context.Background())
	if err == nil {
		t.Fatal("FetchCurrent() expected error after all retries failed")
	}
	if calls != 3 {
		t.Errorf("upstream called %d times, want 3", calls)
	}
	if !strings.Contains(err.Error(), "exhausted retries") {
		t.Errorf("error = %v, want exhausted retries", err)
	}
}

func TestFetchCurrent_MalformedBodyRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Write([]byte("{not json"))
			return
		}
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv.URL, 3, time.Millisecond).FetchCurrent(context.Background())
	if err != nil {
		t.Fatalf("FetchCurrent() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("upstream called %d times, want 2", calls)
	}
	if snap.Humidity != 78 {
		t.Errorf("snapshot not mapped from retried call: %+v", snap)
	}
}

func TestFetchCurrent_CancelledContextStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv.URL, 3, time.Hour).FetchCurrent(ctx)
	if err == nil {
		t.Fatal("FetchCurrent() with cancelled ctx expected error")
	}
}

func TestNewOpenWeatherClient_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenWeatherClient("", "https://api.example.com", "Taipei", time.Second, 3, time.Second, nil)
	if err == nil {
		t.Fatal("NewOpenWeatherClient() with empty key expected error")
	}
}
