// Package weather fetches and caches current conditions for the relay's
// single configured location, and owns the broadcast subscriber set.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
	"github.com/ycchou/chatrelay/internal/timectx"
)

// Provider fetches a fresh snapshot from the upstream weather service.
type Provider interface {
	FetchCurrent(ctx context.Context) (models.WeatherSnapshot, error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// OpenWeatherClient calls the OpenWeather current-weather endpoint for a
// fixed location, with retry and exponential backoff.
type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	location       string
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	times          *timectx.TimeContext
}

// NewOpenWeatherClient creates a client with the relay's retry policy:
// retryAttempts total attempts, exponential backoff starting at
// retryBaseDelay between attempts (1s then 2s with the defaults).
func NewOpenWeatherClient(apiKey, apiURL, location string, timeout time.Duration, retryAttempts int, retryBaseDelay time.Duration, times *timectx.TimeContext) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = time.Second
	}
	if times == nil {
		times = timectx.New()
	}
	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		location:       location,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		times:          times,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type openWeatherResponse struct {
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Name string `json:"name"`
}

// FetchCurrent fetches the current snapshot, retrying failed attempts
// with backoff (base, 2*base, ...). Every failure mode is retryable: the
// call is idempotent and the caller only needs the latest conditions.
func (c *OpenWeatherClient) FetchCurrent(ctx context.Context) (models.WeatherSnapshot, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.retryBaseDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return models.WeatherSnapshot{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.callAPI(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return models.WeatherSnapshot{}, err
		}
	}

	return models.WeatherSnapshot{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context) (models.WeatherSnapshot, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherSnapshot{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.WeatherSnapshot{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp), nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", c.location)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	params.Set("lang", "zh_tw")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse) models.WeatherSnapshot {
	description := ""
	if len(apiResp.Weather) > 0 {
		description = apiResp.Weather[0].Description
	}

	displayName := apiResp.Name
	if displayName == "" {
		displayName = c.location
	}

	return models.WeatherSnapshot{
		Location:    displayName,
		Temperature: round1(apiResp.Main.Temp),
		FeelsLike:   round1(apiResp.Main.FeelsLike),
		Humidity:    apiResp.Main.Humidity,
		Description: description,
		Timestamp:   c.times.FormattedTime(),
	}
}

// round1 rounds to one decimal place, the precision shown to users.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
