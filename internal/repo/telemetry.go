package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// TelemetryClient reads metric and log windows from an external signal store
// over its JSON query API. It implements SignalSource for deployments where
// the engine is not the system of record for raw telemetry.
type TelemetryClient struct {
	baseURL     string
	metricsPath string
	logsPath    string
	httpClient  *http.Client
}

// NewTelemetryClient constructs a client targeting the configured signal store.
func NewTelemetryClient(baseURL, metricsPath, logsPath string, timeout time.Duration) *TelemetryClient {
	return &TelemetryClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		metricsPath: metricsPath,
		logsPath:    logsPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// MetricSeries queries the signal store for one service's metric samples.
func (c *TelemetryClient) MetricSeries(ctx context.Context, service, metric string, start, end time.Time) ([]models.MetricSample, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("telemetry base URL not configured")
	}

	payload := map[string]interface{}{
		"service": service,
		"metric":  metric,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}

	var response struct {
		Series []struct {
			Timestamp time.Time `json:"ts"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry metrics request failed: %w", err)
	}

	samples := make([]models.MetricSample, 0, len(response.Series))
	for _, point := range response.Series {
		samples = append(samples, models.MetricSample{
			Service:   service,
			Metric:    metric,
			Timestamp: point.Timestamp,
			Value:     point.Value,
		})
	}
	return samples, nil
}

// Metrics lists the metric names the signal store has seen for a service.
func (c *TelemetryClient) Metrics(ctx context.Context, service string) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("telemetry base URL not configured")
	}

	payload := map[string]interface{}{"service": service}
	var response struct {
		Metrics []string `json:"metrics"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath+"/names"), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry metric names request failed: %w", err)
	}
	return response.Metrics, nil
}

// LogWindow queries the signal store for one service's log entries.
func (c *TelemetryClient) LogWindow(ctx context.Context, service string, start, end time.Time) ([]models.LogEntry, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("telemetry base URL not configured")
	}

	payload := map[string]interface{}{
		"service": service,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}

	var response struct {
		Entries []struct {
			Timestamp time.Time `json:"ts"`
			Level     string    `json:"level"`
			Event     string    `json:"event"`
			Message   string    `json:"message"`
			TraceID   string    `json:"trace_id"`
		} `json:"entries"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry logs request failed: %w", err)
	}

	entries := make([]models.LogEntry, 0, len(response.Entries))
	for _, e := range response.Entries {
		entries = append(entries, models.LogEntry{
			Service:   service,
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Event:     e.Event,
			Message:   e.Message,
			TraceID:   e.TraceID,
		})
	}
	return entries, nil
}

func (c *TelemetryClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *TelemetryClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry store returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
