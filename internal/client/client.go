package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// DefaultTimeout bounds a single upstream call when none is configured.
const DefaultTimeout = 5 * time.Second

const maxResponseBytes = 1 << 20

// WeatherClient fetches current weather for one city from the upstream provider.
type WeatherClient interface {
	Fetch(ctx context.Context, city string) (models.WeatherRecord, error)
}

// OpenWeatherClient calls the OpenWeatherMap current-weather endpoint.
type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	lang    string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	now     func() time.Time
}

// NewOpenWeatherClient returns a client for apiURL. lang selects the language of
// condition descriptions; timeout bounds each call (DefaultTimeout if <= 0).
func NewOpenWeatherClient(apiKey, apiURL, lang string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		lang:    lang,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

// SetCircuitBreaker wraps every upstream call in cb. City-not-found responses do
// not count as breaker failures.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetRateLimiter paces outbound calls to stay within the provider quota.
func (c *OpenWeatherClient) SetRateLimiter(l *rate.Limiter) {
	c.limiter = l
}

// NewCircuitBreaker builds the upstream breaker: it opens after failureThreshold
// consecutive failures and probes again after openTimeout.
func NewCircuitBreaker(failureThreshold uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		},
	})
}

type openWeatherResponse struct {
	Name *string `json:"name"`
	Sys  *struct {
		Country *string `json:"country"`
	} `json:"sys"`
	Main *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
		Pressure  *float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Visibility *float64 `json:"visibility"`
}

// breakerResult lets a not-found response pass through the breaker as a success.
type breakerResult struct {
	record models.WeatherRecord
	err    error
}

// Fetch performs one upstream lookup for city, exactly as spelled by the caller.
// Errors are *LookupError values matching ErrNotFound, ErrTimeout, or ErrUpstreamFailure.
func (c *OpenWeatherClient) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	record, err := c.fetch(ctx, city)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.WeatherRecord{}, err
	}
	return record, nil
}

func (c *OpenWeatherClient) fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.WeatherRecord{}, timeout(city, fmt.Errorf("rate limiter: %w", err))
		}
	}

	if c.breaker == nil {
		return c.callAPI(ctx, city)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		record, err := c.callAPI(ctx, city)
		if errors.Is(err, ErrNotFound) {
			return breakerResult{err: err}, nil
		}
		if err != nil {
			return nil, err
		}
		return breakerResult{record: record}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.WeatherRecord{}, upstreamFailure(city, fmt.Errorf("circuit breaker: %w", err))
		}
		return models.WeatherRecord{}, err
	}
	res := out.(breakerResult)
	return res.record, res.err
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.WeatherRecord, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherRecord{}, upstreamFailure(city, fmt.Errorf("build request: %w", err))
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		err = withoutURL(err)
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if isTimeout(err) {
			return models.WeatherRecord{}, timeout(city, err)
		}
		return models.WeatherRecord{}, upstreamFailure(city, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp, city); err != nil {
		return models.WeatherRecord{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return models.WeatherRecord{}, timeout(city, err)
		}
		return models.WeatherRecord{}, upstreamFailure(city, fmt.Errorf("read response body: %w", err))
	}

	record, err := parseResponse(body, c.now())
	if err != nil {
		return models.WeatherRecord{}, upstreamFailure(city, err)
	}
	return record, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	if c.lang != "" {
		params.Set("lang", c.lang)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response, city string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFound(city)
	case resp.StatusCode == http.StatusUnauthorized:
		return upstreamFailure(city, fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return timeout(city, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return upstreamFailure(city, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return nil
}

// parseResponse decodes the provider payload into a WeatherRecord stamped with now.
// Missing required fields are a parse error; visibility defaults to 0.
func parseResponse(body []byte, now time.Time) (models.WeatherRecord, error) {
	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherRecord{}, fmt.Errorf("parse response: %w", err)
	}

	var missing []string
	if apiResp.Name == nil {
		missing = append(missing, "name")
	}
	if apiResp.Sys == nil || apiResp.Sys.Country == nil {
		missing = append(missing, "sys.country")
	}
	if apiResp.Main == nil {
		missing = append(missing, "main")
	} else {
		if apiResp.Main.Temp == nil {
			missing = append(missing, "main.temp")
		}
		if apiResp.Main.FeelsLike == nil {
			missing = append(missing, "main.feels_like")
		}
		if apiResp.Main.Humidity == nil {
			missing = append(missing, "main.humidity")
		}
		if apiResp.Main.Pressure == nil {
			missing = append(missing, "main.pressure")
		}
	}
	if len(apiResp.Weather) == 0 {
		missing = append(missing, "weather[0]")
	}
	if apiResp.Wind == nil || apiResp.Wind.Speed == nil {
		missing = append(missing, "wind.speed")
	}
	if len(missing) > 0 {
		return models.WeatherRecord{}, fmt.Errorf("parse response: missing required fields: %s", strings.Join(missing, ", "))
	}

	visibility := 0
	if apiResp.Visibility != nil {
		visibility = int(math.Round(*apiResp.Visibility))
	}

	return models.WeatherRecord{
		City:        *apiResp.Name,
		Country:     *apiResp.Sys.Country,
		Temperature: int(math.Round(*apiResp.Main.Temp)),
		FeelsLike:   int(math.Round(*apiResp.Main.FeelsLike)),
		Humidity:    int(math.Round(*apiResp.Main.Humidity)),
		Pressure:    int(math.Round(*apiResp.Main.Pressure)),
		Description: apiResp.Weather[0].Description,
		Icon:        apiResp.Weather[0].Icon,
		WindSpeed:   *apiResp.Wind.Speed,
		Visibility:  visibility,
		Timestamp:   now.UnixMilli(),
	}, nil
}

// withoutURL strips the request URL, which carries the API key, from a
// transport error so it can reach logs and response bodies.
func withoutURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s request: %w", strings.ToLower(ue.Op), ue.Err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusNotFound {
		return "not_found"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a probe lookup and reports whether the provider accepts the key.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, "London")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", withoutURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
