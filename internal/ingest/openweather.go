package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/weatherwatch/internal/httputil"
	"github.com/lox/weatherwatch/internal/metrics"
	"github.com/lox/weatherwatch/internal/models"
)

const DefaultEndpoint = "https://api.openweathermap.org/data/2.5/weather"

// OpenWeather is the Reading Source: it fetches current conditions for a
// city by coordinates.
type OpenWeather struct {
	apiKey   string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	now      func() time.Time
}

func NewOpenWeather(apiKey string) *OpenWeather {
	return &OpenWeather{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		client:   httputil.NewClient(httputil.DefaultTimeout),
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		timeout:  httputil.DefaultTimeout,
		now:      time.Now,
	}
}

func (o *OpenWeather) SetEndpoint(endpoint string) {
	if endpoint != "" {
		o.endpoint = endpoint
	}
}

func (o *OpenWeather) SetHTTPClient(c *http.Client) {
	o.client = c
}

// SetRate paces outgoing requests. Zero or negative disables pacing.
func (o *OpenWeather) SetRate(rps float64) {
	if rps <= 0 {
		o.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	o.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

// SetTimeout bounds a whole fetch, retries included.
func (o *OpenWeather) SetTimeout(d time.Duration) {
	if d > 0 {
		o.timeout = d
	}
}

type CurrentResponse struct {
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Pressure  int     `json:"pressure"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Dt   int64  `json:"dt"`
	Name string `json:"name"`
}

// FetchResult describes the HTTP side of a fetch for the ingest_runs audit.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	Attempts     int
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// FetchCurrent returns the current reading for city. Network errors, 429 and
// 5xx are retried with exponential backoff until the fetch timeout; other
// statuses fail immediately.
func (o *OpenWeather) FetchCurrent(ctx context.Context, city models.City) (*models.Reading, *FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(city.Latitude, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(city.Longitude, 'f', 4, 64))
	q.Set("appid", o.apiKey)
	q.Set("units", "metric")
	reqURL := o.endpoint + "?" + q.Encode()

	result := &FetchResult{}
	var body []byte
	start := time.Now()

	operation := func() error {
		result.Attempts++
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("fetch current: %w", err)
		}
		defer resp.Body.Close()

		result.HTTPStatus = resp.StatusCode
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		result.ResponseSize = len(b)

		if resp.StatusCode != http.StatusOK {
			serr := &StatusError{Code: resp.StatusCode, Body: truncateBody(b)}
			if retryable(resp.StatusCode) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = o.timeout
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))

	metrics.SourceLatency.WithLabelValues(city.Name).Observe(time.Since(start).Seconds())
	metrics.SourceCallsTotal.WithLabelValues(city.Name, statusLabel(result.HTTPStatus, err)).Inc()

	if err != nil {
		return nil, result, err
	}

	r, err := ParseCurrent(body, city.Name, o.now())
	if err != nil {
		return nil, result, err
	}
	return r, result, nil
}

func statusLabel(code int, err error) string {
	if code == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "error"
	}
	return strconv.Itoa(code)
}

// ParseCurrent maps an OpenWeather current-conditions body onto a Reading
// stamped with capturedAt.
func ParseCurrent(body []byte, city string, capturedAt time.Time) (*models.Reading, error) {
	var data CurrentResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(data.Weather) == 0 {
		return nil, fmt.Errorf("no weather conditions returned for %s", city)
	}

	r := &models.Reading{
		City:        city,
		Temperature: data.Main.Temp,
		FeelsLike:   data.Main.FeelsLike,
		Pressure:    data.Main.Pressure,
		Humidity:    data.Main.Humidity,
		Condition:   data.Weather[0].Main,
		CapturedAt:  capturedAt.UTC(),
		RawJSON:     string(body),
	}
	if data.Wind != nil && data.Wind.Speed != nil {
		ws := *data.Wind.Speed
		r.WindSpeed = &ws
	}
	return r, nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "...(truncated)"
}
