package irrigation_controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// HealthFunc reports dependency status for /healthz; a nil map means "ok".
type HealthFunc func(ctx context.Context) map[string]string

// Handlers exposes the controller over HTTP.
type Handlers struct {
	ctrl   *Controller
	health HealthFunc
	logger *zap.SugaredLogger
}

type stopRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter wires the session API, /healthz and /metrics.
func NewRouter(ctrl *Controller, health HealthFunc, logger *zap.SugaredLogger) *mux.Router {
	logger = awdlog.OrNop(logger)
	h := &Handlers{ctrl: ctrl, health: health, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	router.Handle("/metrics", ctrl.metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/sessions", h.StartSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/stop", h.StopSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/samples", h.ListSamples).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/anomalies", h.ListAnomalies).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/performance", h.GetPerformance).Methods(http.MethodGet)
	return router
}

func (h *Handlers) StartSession(w http.ResponseWriter, req *http.Request) {
	var cfg entities.IrrigationConfig
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	s, err := h.ctrl.Start(req.Context(), cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionView{IrrigationSession: s, EstimatedCompletionTime: estimateCompletion(s, time.Now())})
}

func (h *Handlers) GetSession(w http.ResponseWriter, req *http.Request) {
	view, err := h.ctrl.GetSession(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) StopSession(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	// the body is optional; chunked requests carry no length, so an empty one ends in io.EOF
	var body stopRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if err := h.ctrl.Stop(req.Context(), id, body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.ctrl.GetSession(req.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) ListSamples(w http.ResponseWriter, req *http.Request) {
	samples, err := h.ctrl.Samples(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if samples == nil {
		samples = []entities.MonitoringSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *Handlers) ListAnomalies(w http.ResponseWriter, req *http.Request) {
	anomalies, err := h.ctrl.Anomalies(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if anomalies == nil {
		anomalies = []entities.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (h *Handlers) GetPerformance(w http.ResponseWriter, req *http.Request) {
	perf, err := h.ctrl.Performance(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

func (h *Handlers) Healthz(w http.ResponseWriter, req *http.Request) {
	type status struct {
		Status       string            `json:"status"`
		Instance     string            `json:"instance"`
		LocalActive  int               `json:"local_active_sessions"`
		Dependencies map[string]string `json:"dependencies,omitempty"`
	}
	st := status{Status: "ok", Instance: h.ctrl.InstanceID(), LocalActive: len(h.ctrl.ActiveLocal())}
	if h.health != nil {
		st.Dependencies = h.health(req.Context())
		for _, v := range st.Dependencies {
			if v != "ok" {
				st.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrFieldBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrSensorUnavailable), errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrActuationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.logger.Warnw("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
