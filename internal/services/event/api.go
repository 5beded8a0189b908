package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Querier is the part of influx's api.QueryAPI the API uses.
type Querier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// SessionOutcome is one terminated session as recorded in Influx.
type SessionOutcome struct {
	SessionID       string  `json:"session_id"`
	FieldID         string  `json:"field_id"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason"`
	EfficiencyScore float64 `json:"efficiency_score"`
	VolumeLiters    float64 `json:"volume_liters"`
	Time            string  `json:"time"` // RFC3339
}

// AnomalyEntry is one recorded anomaly.
type AnomalyEntry struct {
	SessionID   string `json:"session_id"`
	FieldID     string `json:"field_id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Time        string `json:"time"`
}

type queryParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
	FieldID   string
}

func parseQuery(r *http.Request, defMin, defLim, defTOms int) queryParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return queryParams{
		Minutes:   get("minutes", defMin, 1, 30*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
		FieldID:   strings.TrimSpace(q.Get("field_id")),
	}
}

func buildFlux(bucket, eventType string, p queryParams, columns []string) string {
	fieldFilter := ""
	if p.FieldID != "" {
		fieldFilter = fmt.Sprintf("\n  |> filter(fn: (r) => r.field_id == %q)", p.FieldID)
	}
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, strconv.Quote(c))
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.event_type == %q)%s
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> keep(columns: [%s])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, p.Minutes, Measurement, eventType, fieldFilter, strings.Join(cols, ","), p.Limit)
}

// API serves what the recorder wrote back out of Influx.
type API struct {
	query  Querier
	bucket string
}

func NewAPI(q Querier, bucket string) *API { return &API{query: q, bucket: bucket} }

// Register mounts:
//
//	GET /events/sessions/latest?limit=20[&minutes=1440][&field_id=f1]
//	GET /events/anomalies/latest?limit=20[&minutes=1440][&field_id=f1]
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/events/sessions/latest", a.latestSessions).Methods(http.MethodGet)
	r.HandleFunc("/events/anomalies/latest", a.latestAnomalies).Methods(http.MethodGet)
}

func (a *API) latestSessions(w http.ResponseWriter, r *http.Request) {
	p := parseQuery(r, 1440, 20, 2000)
	flux := buildFlux(a.bucket, TypeSessionTerminated, p,
		[]string{"_time", "field_id", "session_id", "status", "reason", "efficiency_score", "volume_liters"})

	out := make([]SessionOutcome, 0, p.Limit)
	a.run(w, r, p, flux, func(rec recordView) {
		out = append(out, SessionOutcome{
			SessionID:       rec.str("session_id"),
			FieldID:         rec.str("field_id"),
			Status:          rec.str("status"),
			Reason:          rec.str("reason"),
			EfficiencyScore: rec.num("efficiency_score"),
			VolumeLiters:    rec.num("volume_liters"),
			Time:            rec.time,
		})
	})
	writeJSON(w, out)
}

func (a *API) latestAnomalies(w http.ResponseWriter, r *http.Request) {
	p := parseQuery(r, 1440, 20, 2000)
	flux := buildFlux(a.bucket, TypeAnomaly, p,
		[]string{"_time", "field_id", "session_id", "severity", "type", "description"})

	out := make([]AnomalyEntry, 0, p.Limit)
	a.run(w, r, p, flux, func(rec recordView) {
		out = append(out, AnomalyEntry{
			SessionID:   rec.str("session_id"),
			FieldID:     rec.str("field_id"),
			Type:        rec.str("type"),
			Severity:    rec.str("severity"),
			Description: rec.str("description"),
			Time:        rec.time,
		})
	})
	writeJSON(w, out)
}

type recordView struct {
	values map[string]interface{}
	time   string
}

func (v recordView) str(k string) string {
	if s, ok := v.values[k].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func (v recordView) num(k string) float64 {
	switch x := v.values[k].(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}

// run esegue la query; in caso di errore la risposta resta una lista vuota con X-Error.
func (a *API) run(w http.ResponseWriter, r *http.Request, p queryParams, flux string, each func(recordView)) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
	defer cancel()

	res, err := a.query.Query(ctx, flux)
	if err != nil {
		w.Header().Set("X-Error", "influx-query-error")
		return
	}
	defer func() { _ = res.Close() }()

	for res.Next() {
		rec := res.Record()
		each(recordView{values: rec.Values(), time: rec.Time().UTC().Format(time.RFC3339)})
	}
	if res.Err() != nil {
		w.Header().Set("X-Error", "influx-iter-error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
