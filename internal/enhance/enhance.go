// Package enhance decides what situational context to inject into an
// inbound message, and answers deterministic factual questions (weather,
// subscriptions) directly so they never spend an LLM call.
package enhance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/timectx"
)

// WeatherService is the slice of the weather cache the enhancer uses.
type WeatherService interface {
	Current(ctx context.Context) (models.WeatherSnapshot, error)
	Subscribe(ctx context.Context, userID string) bool
	Unsubscribe(ctx context.Context, userID string) bool
}

// Keyword tables. Unsubscribe is matched before subscribe because the
// unsubscribe phrase contains the subscribe phrase.
var (
	unsubscribeKeywords = []string{"取消訂閱"}
	subscribeKeywords   = []string{"訂閱天氣", "訂閱每日天氣"}

	feelsLikeKeywords   = []string{"體感"}
	humidityKeywords    = []string{"濕度", "潮濕"}
	temperatureKeywords = []string{"氣溫", "溫度", "幾度"}
	weatherKeywords     = []string{"天氣"}

	timeKeywords     = []string{"幾點", "現在時間", "時間", "日期", "幾號"}
	greetingKeywords = []string{"hi", "hello", "你好", "哈囉", "早", "午", "晚"}
)

const weatherUnavailableReply = "抱歉，暫時查不到天氣資訊，請稍後再試。"

// Result is the outcome of enhancing one message. When Direct is set,
// Reply is the complete answer and the LLM pipeline is skipped; otherwise
// Message is the (possibly prefixed) text to forward.
type Result struct {
	Direct  bool
	Reply   string
	Message string
}

// Enhancer routes messages by keyword and debounces repeated greeting
// context per user. One Enhancer lives for the whole process so the
// debounce actually spans messages.
type Enhancer struct {
	weather  WeatherService
	times    *timectx.TimeContext
	logger   *zap.Logger
	debounce time.Duration

	mu           sync.Mutex
	lastGreeting map[string]time.Time
}

// New creates an Enhancer. debounce is the minimum gap between greeting
// injections for the same user.
func New(weather WeatherService, times *timectx.TimeContext, debounce time.Duration, logger *zap.Logger) *Enhancer {
	return &Enhancer{
		weather:      weather,
		times:        times,
		logger:       logger,
		debounce:     debounce,
		lastGreeting: make(map[string]time.Time),
	}
}

// Enhance applies the decision ladder to one message. First match wins:
// subscription commands, weather questions, time questions, greetings,
// then passthrough.
func (e *Enhancer) Enhance(ctx context.Context, userID, msg string) Result {
	if containsAny(msg, unsubscribeKeywords) {
		if e.weather.Unsubscribe(ctx, userID) {
			return direct("已取消您的每日天氣播報訂閱。")
		}
		return direct("您目前沒有訂閱每日天氣播報。")
	}
	if containsAny(msg, subscribeKeywords) {
		if e.weather.Subscribe(ctx, userID) {
			return direct("已為您訂閱每日天氣播報！每天早上六點會準時送達。")
		}
		return direct("您已經訂閱過每日天氣播報囉。")
	}

	if topic, ok := weatherTopic(msg); ok {
		snap, err := e.weather.Current(ctx)
		if err != nil {
			e.logger.Error("weather lookup for direct answer failed", zap.Error(err))
			return direct(weatherUnavailableReply)
		}
		return direct(formatWeatherAnswer(topic, snap))
	}

	if containsAny(msg, timeKeywords) {
		return passthrough(e.times.DetailedContext() + "\n" + msg)
	}

	if containsAnyFold(msg, greetingKeywords) {
		if e.shouldGreet(userID) {
			return passthrough(e.times.Greeting() + " " + msg)
		}
		return passthrough("嗯嗯，我在喔～ " + msg)
	}

	return passthrough(msg)
}

// shouldGreet stamps and reports whether enough time has passed since
// the last greeting injection for this user.
func (e *Enhancer) shouldGreet(userID string) bool {
	now := e.times.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.lastGreeting[userID]
	if seen && now.Sub(last) <= e.debounce {
		return false
	}
	e.lastGreeting[userID] = now
	return true
}

type topic int

const (
	topicGeneral topic = iota
	topicTemperature
	topicHumidity
	topicFeelsLike
)

// weatherTopic classifies a weather question, most specific first so
// "體感溫度" is feels-like rather than temperature.
func weatherTopic(msg string) (topic, bool) {
	switch {
	case containsAny(msg, feelsLikeKeywords):
		return topicFeelsLike, true
	case containsAny(msg, humidityKeywords):
		return topicHumidity, true
	case containsAny(msg, temperatureKeywords):
		return topicTemperature, true
	case containsAny(msg, weatherKeywords):
		return topicGeneral, true
	}
	return topicGeneral, false
}

func formatWeatherAnswer(tp topic, snap models.WeatherSnapshot) string {
	switch tp {
	case topicTemperature:
		return fmt.Sprintf("目前%s氣溫 %.1f°C，體感溫度 %.1f°C。", snap.Location, snap.Temperature, snap.FeelsLike)
	case topicHumidity:
		return fmt.Sprintf("目前%s濕度 %d%%。", snap.Location, snap.Humidity)
	case topicFeelsLike:
		return fmt.Sprintf("目前%s體感溫度 %.1f°C。", snap.Location, snap.FeelsLike)
	default:
		return fmt.Sprintf("目前%s天氣：%s，氣溫 %.1f°C，體感 %.1f°C，濕度 %d%%（%s 更新）",
			snap.Location, snap.Description, snap.Temperature, snap.FeelsLike, snap.Humidity, snap.Timestamp)
	}
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func containsAnyFold(msg string, keywords []string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func direct(reply string) Result {
	return Result{Direct: true, Reply: reply}
}

func passthrough(msg string) Result {
	return Result{Message: msg}
}
