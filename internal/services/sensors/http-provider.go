package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
)

// HTTPProvider reads GET {base}/fields/{id}/water-level behind a circuit breaker.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewHTTPProvider(baseURL string, timeout time.Duration, br BreakerSettings) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		// a field without data is an answer, not an outage
		cb: mkCB("sensor-http", br, func(err error) bool {
			return err == nil || errors.Is(err, model.ErrNotAvailable)
		}),
	}
}

func (p *HTTPProvider) GetWaterLevel(ctx context.Context, fieldID string) (entities.WaterLevelReading, error) {
	out, err := p.cb.Execute(func() (interface{}, error) {
		return p.fetch(ctx, fieldID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return entities.WaterLevelReading{}, fmt.Errorf("%w: sensor service circuit open", model.ErrNotAvailable)
		}
		return entities.WaterLevelReading{}, err
	}
	return out.(entities.WaterLevelReading), nil
}

// State exposes the breaker state for /healthz.
func (p *HTTPProvider) State() string { return p.cb.State().String() }

func (p *HTTPProvider) fetch(ctx context.Context, fieldID string) (entities.WaterLevelReading, error) {
	u := fmt.Sprintf("%s/fields/%s/water-level", p.baseURL, url.PathEscape(fieldID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return entities.WaterLevelReading{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return entities.WaterLevelReading{}, fmt.Errorf("sensor http: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return entities.WaterLevelReading{}, fmt.Errorf("sensor http: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return entities.WaterLevelReading{}, fmt.Errorf("%w: no level for field %s", model.ErrNotAvailable, fieldID)
	case resp.StatusCode != http.StatusOK:
		return entities.WaterLevelReading{}, fmt.Errorf("sensor http: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var d messages.WaterLevelData
	if err := json.Unmarshal(body, &d); err != nil {
		return entities.WaterLevelReading{}, fmt.Errorf("sensor http: bad payload: %w", err)
	}
	return fromData(d, fieldID, entities.SourceSensor), nil
}
