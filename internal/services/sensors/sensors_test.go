package sensors

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// ===================== HTTP =====================

func TestHTTPProviderReadsLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fields/f1/water-level" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"field_id":"f1","sensor_id":"s-1","level_cm":6.5,"timestamp":"2026-06-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", time.Second, BreakerSettings{})
	r, err := p.GetWaterLevel(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetWaterLevel: %v", err)
	}
	if r.LevelCm != 6.5 || r.SensorID != "s-1" || r.Source != entities.SourceSensor {
		t.Fatalf("unexpected reading %+v", r)
	}
	if !r.Timestamp.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
}

func TestHTTPProviderNotFoundIsNotAvailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, BreakerSettings{Fails: 1, OpenMs: 60000})
	for i := 0; i < 3; i++ {
		_, err := p.GetWaterLevel(context.Background(), "nope")
		if !errors.Is(err, model.ErrNotAvailable) {
			t.Fatalf("want ErrNotAvailable, got %v", err)
		}
	}
	if p.State() != "closed" {
		t.Fatalf("404s must not trip the breaker, state=%s", p.State())
	}
}

func TestHTTPProviderBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, BreakerSettings{Fails: 2, OpenMs: 60000})
	for i := 0; i < 2; i++ {
		if _, err := p.GetWaterLevel(context.Background(), "f1"); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := p.GetWaterLevel(context.Background(), "f1")
	if !errors.Is(err, model.ErrNotAvailable) {
		t.Fatalf("open breaker should report ErrNotAvailable, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("server hit %d times, want 2", got)
	}
}

// ===================== MQTT cache =====================

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTLevelCache(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 30, 0, time.UTC)
	c := NewMQTTLevelCache(time.Minute, nil)
	c.now = func() time.Time { return now }

	msg := fakeMessage{
		topic:   "sensor/water-level/f2",
		payload: []byte(`{"sensor_id":"s-2","level_cm":4.2,"timestamp":"2026-06-01T10:00:00Z"}`),
	}
	if err := c.Handle(msg.topic, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r, err := c.GetWaterLevel(context.Background(), "f2")
	if err != nil {
		t.Fatalf("GetWaterLevel: %v", err)
	}
	if r.FieldID != "f2" || r.LevelCm != 4.2 {
		t.Fatalf("unexpected reading %+v", r)
	}

	// older reading does not replace the newer one
	old := fakeMessage{
		topic:   "sensor/water-level/f2",
		payload: []byte(`{"sensor_id":"s-2","level_cm":1.0,"timestamp":"2026-06-01T09:00:00Z"}`),
	}
	_ = c.Handle(old.topic, old)
	if r, _ := c.GetWaterLevel(context.Background(), "f2"); r.LevelCm != 4.2 {
		t.Fatalf("stale message overwrote cache: %+v", r)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetWaterLevel(context.Background(), "f2"); !errors.Is(err, model.ErrNotAvailable) {
		t.Fatalf("expired level should be unavailable, got %v", err)
	}
	if _, err := c.GetWaterLevel(context.Background(), "unknown"); !errors.Is(err, model.ErrNotAvailable) {
		t.Fatalf("unknown field should be unavailable, got %v", err)
	}
}

func TestMQTTLevelCacheIgnoresGarbage(t *testing.T) {
	c := NewMQTTLevelCache(time.Minute, nil)
	msg := fakeMessage{topic: "sensor/water-level/f1", payload: []byte("not json")}
	if err := c.Handle(msg.topic, msg); err != nil {
		t.Fatalf("garbage should be dropped, got %v", err)
	}
	if got := fieldFromTopic("sensor/water-level"); got != "" {
		t.Fatalf("fieldFromTopic short topic = %q", got)
	}
}

// ===================== Influx =====================

const influxCSV = "#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,double,string,string,string,string\r\n" +
	"#group,false,false,true,true,false,false,true,true,true,true\r\n" +
	"#default,_result,,,,,,,,,\r\n" +
	",result,table,_start,_stop,_time,_value,_field,_measurement,field_id,sensor_id\r\n" +
	",,0,2026-06-01T09:30:00Z,2026-06-01T10:00:00Z,2026-06-01T09:59:00Z,7.5,level_cm,water_level,f1,s-9\r\n" +
	"\r\n"

type errQuerier struct{}

func (errQuerier) Query(context.Context, string) (*api.QueryTableResult, error) {
	return nil, errors.New("connection refused")
}

func TestInfluxProviderLastPoint(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/query" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(influxCSV))
	}))
	defer srv.Close()

	client := influxdb2.NewClient(srv.URL, "token")
	defer client.Close()

	p := NewInfluxProvider(client.QueryAPI("org"), "awd", "water_level", time.Hour)
	r, err := p.GetWaterLevel(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetWaterLevel: %v", err)
	}
	if r.LevelCm != 7.5 || r.SensorID != "s-9" || r.Source != entities.SourceFallback {
		t.Fatalf("unexpected reading %+v", r)
	}
	if !strings.Contains(gotQuery, "water_level") {
		t.Fatalf("query not sent: %s", gotQuery)
	}
}

func TestLastLevelQuery(t *testing.T) {
	q := lastLevelQuery("awd", "water_level", `f"1`, 30*time.Minute)
	for _, want := range []string{`from(bucket: "awd")`, "range(start: -1800s)", `r.field_id == "f\"1"`, "last()"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q:\n%s", want, q)
		}
	}
}

func TestInfluxProviderQueryError(t *testing.T) {
	p := NewInfluxProvider(errQuerier{}, "awd", "", 0)
	_, err := p.GetWaterLevel(context.Background(), "f1")
	if !errors.Is(err, model.ErrNotAvailable) {
		t.Fatalf("want ErrNotAvailable, got %v", err)
	}
}

// ===================== Chain =====================

type stubProvider struct {
	reading entities.WaterLevelReading
	err     error
	calls   int
}

func (s *stubProvider) GetWaterLevel(_ context.Context, fieldID string) (entities.WaterLevelReading, error) {
	s.calls++
	if s.err != nil {
		return entities.WaterLevelReading{}, s.err
	}
	r := s.reading
	r.FieldID = fieldID
	return r, nil
}

func TestChainFallbackTagsSource(t *testing.T) {
	primary := &stubProvider{err: errors.New("down")}
	fb := &stubProvider{reading: entities.WaterLevelReading{LevelCm: 3, Source: entities.SourceSensor}}
	c := NewChain(primary, 0, fb)

	r, err := c.GetWaterLevel(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetWaterLevel: %v", err)
	}
	if r.Source != entities.SourceFallback || r.LevelCm != 3 {
		t.Fatalf("unexpected reading %+v", r)
	}
}

func TestChainAllFail(t *testing.T) {
	c := NewChain(&stubProvider{err: errors.New("a")}, 0, &stubProvider{err: errors.New("b")})
	_, err := c.GetWaterLevel(context.Background(), "f1")
	if !errors.Is(err, model.ErrNotAvailable) {
		t.Fatalf("want ErrNotAvailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("error should carry both causes: %v", err)
	}
}

func TestChainCache(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	primary := &stubProvider{reading: entities.WaterLevelReading{LevelCm: 5, Source: entities.SourceSensor}}
	c := NewChain(primary, 2*time.Second)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.GetWaterLevel(context.Background(), "f1"); err != nil {
			t.Fatal(err)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("primary called %d times, want 1", primary.calls)
	}
	now = now.Add(2 * time.Second)
	_, _ = c.GetWaterLevel(context.Background(), "f1")
	if primary.calls != 2 {
		t.Fatalf("cache should expire after ttl, calls=%d", primary.calls)
	}
}
