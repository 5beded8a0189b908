package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/dedup"
)

// MQTTLevelCache keeps the freshest level published on sensor/water-level/{field}.
type MQTTLevelCache struct {
	mu      sync.RWMutex
	latest  map[string]entities.WaterLevelReading
	maxAge  time.Duration
	deduper *dedup.Deduper
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewMQTTLevelCache(maxAge time.Duration, logger *zap.SugaredLogger) *MQTTLevelCache {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	logger = awdlog.OrNop(logger)
	return &MQTTLevelCache{
		latest:  make(map[string]entities.WaterLevelReading),
		maxAge:  maxAge,
		deduper: dedup.New(10*time.Minute, 20000),
		now:     time.Now,
		logger:  logger,
	}
}

// Handle is the consumer handler for the water level topic.
func (c *MQTTLevelCache) Handle(_ string, msg mqtt.Message) error {
	// QoS1 redelivery carries the same payload
	if !c.deduper.ShouldProcess(dedup.PayloadKey(msg.Payload())) {
		return nil
	}
	var d messages.WaterLevelData
	if err := json.Unmarshal(msg.Payload(), &d); err != nil {
		c.logger.Warnw("bad water level payload", "topic", msg.Topic(), "error", err)
		return nil
	}
	fieldID := d.FieldID
	if fieldID == "" {
		fieldID = fieldFromTopic(msg.Topic())
	}
	if fieldID == "" {
		return fmt.Errorf("water level without field id on %s", msg.Topic())
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = c.now()
	}
	c.Put(fromData(d, fieldID, entities.SourceSensor))
	return nil
}

// Put stores r unless a newer reading is already cached.
func (c *MQTTLevelCache) Put(r entities.WaterLevelReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.latest[r.FieldID]; ok && cur.Timestamp.After(r.Timestamp) {
		return
	}
	c.latest[r.FieldID] = r
}

func (c *MQTTLevelCache) GetWaterLevel(_ context.Context, fieldID string) (entities.WaterLevelReading, error) {
	c.mu.RLock()
	r, ok := c.latest[fieldID]
	c.mu.RUnlock()
	if !ok {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: no level published for %s", model.ErrNotAvailable, fieldID)
	}
	if age := c.now().Sub(r.Timestamp); age > c.maxAge {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: last level for %s is %s old", model.ErrNotAvailable, fieldID, age.Round(time.Second))
	}
	return r, nil
}

// sensor/water-level/{field}
func fieldFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
