// Package timectx renders localized time-of-day context for the relay.
// All output is derived from an injectable clock, converted to the
// fixed Asia/Taipei zone (UTC+8, no DST).
package timectx

import (
	"fmt"
	"time"
)

// Clock returns the current instant. Tests inject a fixed one.
type Clock func() time.Time

// taipei is the fixed display zone. LoadLocation is preferred so the
// zone name survives formatting; environments without tzdata fall back
// to a fixed UTC+8 offset, which is equivalent for this zone.
var taipei = loadTaipei()

func loadTaipei() *time.Location {
	if loc, err := time.LoadLocation("Asia/Taipei"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}

// weekdayNames maps time.Weekday to the single-character zh name.
var weekdayNames = map[time.Weekday]string{
	time.Monday:    "一",
	time.Tuesday:   "二",
	time.Wednesday: "三",
	time.Thursday:  "四",
	time.Friday:    "五",
	time.Saturday:  "六",
	time.Sunday:    "日",
}

// TimeContext produces greeting and detailed time strings. Stateless
// beyond the clock; safe for concurrent use.
type TimeContext struct {
	clock Clock
}

// New returns a TimeContext reading the real clock.
func New() *TimeContext {
	return NewWithClock(time.Now)
}

// NewWithClock returns a TimeContext with an injected clock.
func NewWithClock(clock Clock) *TimeContext {
	return &TimeContext{clock: clock}
}

// Now returns the current instant in the Taipei zone.
func (tc *TimeContext) Now() time.Time {
	return tc.clock().In(taipei)
}

// FormattedTime returns the local time as "2006-01-02 15:04:05".
func (tc *TimeContext) FormattedTime() string {
	return tc.Now().Format("2006-01-02 15:04:05")
}

// Greeting maps the local hour to one of six fixed phrases. The
// partition is total: every hour matches exactly one rule.
func (tc *TimeContext) Greeting() string {
	now := tc.Now()
	hour, minute := now.Hour(), now.Minute()

	switch {
	case hour >= 5 && hour < 11:
		return fmt.Sprintf("早安！現在是早上 %02d:%02d", hour, minute)
	case hour == 11:
		return fmt.Sprintf("快中午了！現在是 %02d:%02d", hour, minute)
	case hour == 12:
		return fmt.Sprintf("中午好！現在是 %02d:%02d", hour, minute)
	case hour >= 13 && hour < 18:
		return fmt.Sprintf("午安！現在是下午 %02d:%02d", hour, minute)
	case hour >= 18 && hour < 22:
		return fmt.Sprintf("晚上好！現在是晚上 %02d:%02d", hour, minute)
	default:
		return fmt.Sprintf("夜深了！現在是凌晨 %02d:%02d", hour, minute)
	}
}

// DetailedContext renders the full date, zh weekday and clock time.
func (tc *TimeContext) DetailedContext() string {
	now := tc.Now()
	return fmt.Sprintf("現在是 %d年%02d月%02d日 星期%s %02d:%02d:%02d",
		now.Year(), int(now.Month()), now.Day(),
		weekdayNames[now.Weekday()],
		now.Hour(), now.Minute(), now.Second())
}

// Location exposes the display zone for callers that schedule against
// local wall-clock time.
func Location() *time.Location {
	return taipei
}
