// Package broadcast runs the daily weather delivery to subscribed users.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
	"github.com/ycchou/chatrelay/internal/timectx"
)

// WeatherSource supplies a fresh snapshot and the subscriber list.
type WeatherSource interface {
	Refresh(ctx context.Context) (models.WeatherSnapshot, error)
	Subscribers() []string
}

// Sender delivers one direct message to one user.
type Sender interface {
	SendDM(ctx context.Context, userID, content string) error
}

// Scheduler wakes once a day at the configured wall-clock time and sends
// the current weather to every subscriber. One delivery failure never
// stops the rest of the fan-out.
type Scheduler struct {
	weather WeatherSource
	sender  Sender
	times   *timectx.TimeContext
	logger  *zap.Logger

	wakeHour   int
	wakeMinute int

	retryAttempts int
	retryDelay    time.Duration
}

// New creates a Scheduler. hour and minute are in the time context's zone.
func New(weather WeatherSource, sender Sender, times *timectx.TimeContext, hour, minute, retryAttempts int, retryDelay time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		weather:       weather,
		sender:        sender,
		times:         times,
		logger:        logger,
		wakeHour:      hour,
		wakeMinute:    minute,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// Run loops until the context is cancelled. The wake time is recomputed
// from the clock every iteration so the timer never drifts, and a cycle
// panic is contained to that day's broadcast.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("broadcast scheduler started",
		zap.String("wakeTime", fmt.Sprintf("%02d:%02d", s.wakeHour, s.wakeMinute)))

	for {
		wait := time.Until(s.nextWake(s.times.Now()))
		select {
		case <-ctx.Done():
			s.logger.Info("broadcast scheduler stopped")
			return
		case <-time.After(wait):
		}

		if panicked := s.runCycleRecovered(ctx); panicked {
			// Pause before recomputing the next target so a
			// persistently panicking cycle cannot spin the loop.
			select {
			case <-ctx.Done():
				s.logger.Info("broadcast scheduler stopped")
				return
			case <-time.After(s.retryDelay):
			}
		}
	}
}

// nextWake returns the next wake instant strictly after now, so a cycle
// finishing within the wake minute cannot refire the same day.
func (s *Scheduler) nextWake(now time.Time) time.Time {
	local := now.In(timectx.Location())
	wake := time.Date(local.Year(), local.Month(), local.Day(), s.wakeHour, s.wakeMinute, 0, 0, timectx.Location())
	if !wake.After(local) {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake
}

func (s *Scheduler) runCycleRecovered(ctx context.Context) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			observability.BroadcastCyclesTotal.WithLabelValues("panic").Inc()
			s.logger.Error("broadcast cycle panicked", zap.Any("panic", r))
		}
	}()
	s.runCycle(ctx)
	return false
}

// runCycle fetches a fresh snapshot, retrying on a fixed delay, then fans
// out to every subscriber.
func (s *Scheduler) runCycle(ctx context.Context) {
	snap, err := s.refreshWithRetry(ctx)
	if err != nil {
		observability.BroadcastCyclesTotal.WithLabelValues("fetch_failed").Inc()
		s.logger.Error("broadcast cycle abandoned, weather unavailable", zap.Error(err))
		return
	}

	users := s.weather.Subscribers()
	if len(users) == 0 {
		observability.BroadcastCyclesTotal.WithLabelValues("no_subscribers").Inc()
		s.logger.Info("broadcast cycle skipped, no subscribers")
		return
	}

	content := FormatMessage(snap)
	delivered := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		if err := s.sender.SendDM(ctx, user, content); err != nil {
			observability.BroadcastDeliveriesTotal.WithLabelValues("failed").Inc()
			s.logger.Error("broadcast delivery failed",
				zap.String("userId", user), zap.Error(err))
			continue
		}
		observability.BroadcastDeliveriesTotal.WithLabelValues("delivered").Inc()
		delivered++
	}

	observability.BroadcastCyclesTotal.WithLabelValues("completed").Inc()
	s.logger.Info("broadcast cycle completed",
		zap.Int("subscribers", len(users)), zap.Int("delivered", delivered))
}

// refreshWithRetry makes up to retryAttempts fetches with a fixed pause
// between attempts.
func (s *Scheduler) refreshWithRetry(ctx context.Context) (models.WeatherSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return models.WeatherSnapshot{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		snap, err := s.weather.Refresh(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		s.logger.Warn("broadcast weather fetch failed",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	return models.WeatherSnapshot{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// FormatMessage renders the daily weather text sent to each subscriber.
func FormatMessage(snap models.WeatherSnapshot) string {
	return fmt.Sprintf("早安，兄長大人！這是今天的天氣播報：\n%s現在%s，氣溫 %.1f°C，體感 %.1f°C，濕度 %d%%。\n（%s 更新）",
		snap.Location, snap.Description, snap.Temperature, snap.FeelsLike, snap.Humidity, snap.Timestamp)
}
