package sensors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// fluxQuerier is the part of influx's api.QueryAPI used here.
type fluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxProvider returns the last water level point written for a field.
type InfluxProvider struct {
	query       fluxQuerier
	bucket      string
	measurement string
	window      time.Duration
}

func NewInfluxProvider(q fluxQuerier, bucket, measurement string, window time.Duration) *InfluxProvider {
	if measurement == "" {
		measurement = "water_level"
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &InfluxProvider{query: q, bucket: bucket, measurement: measurement, window: window}
}

func (p *InfluxProvider) GetWaterLevel(ctx context.Context, fieldID string) (entities.WaterLevelReading, error) {
	res, err := p.query.Query(ctx, lastLevelQuery(p.bucket, p.measurement, fieldID, p.window))
	if err != nil {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: influx query: %v", model.ErrNotAvailable, err)
	}
	defer res.Close()

	var (
		out   entities.WaterLevelReading
		found bool
	)
	for res.Next() {
		rec := res.Record()
		v, ok := toFloat(rec.Value())
		if !ok {
			continue
		}
		if found && !rec.Time().After(out.Timestamp) {
			continue
		}
		sensorID, _ := rec.ValueByKey("sensor_id").(string)
		out = entities.WaterLevelReading{
			FieldID:   fieldID,
			LevelCm:   v,
			Source:    entities.SourceFallback,
			SensorID:  sensorID,
			Timestamp: rec.Time(),
		}
		found = true
	}
	if err := res.Err(); err != nil {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: influx result: %v", model.ErrNotAvailable, err)
	}
	if !found {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: no influx level for %s in the last %s", model.ErrNotAvailable, fieldID, p.window)
	}
	return out, nil
}

func lastLevelQuery(bucket, measurement, fieldID string, window time.Duration) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == "%s" and r._field == "level_cm" and r.field_id == "%s")
  |> last()`,
		esc.Replace(bucket), int(window.Seconds()), esc.Replace(measurement), esc.Replace(fieldID))
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
