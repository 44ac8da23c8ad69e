// Package server exposes the bridge over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/ble/protocol"
	"github.com/chaz8081/birdbridge/internal/command"
	"github.com/chaz8081/birdbridge/internal/telemetry"
)

// Controller is everything the HTTP layer needs from the bridge.
type Controller interface {
	Snapshot() telemetry.Snapshot
	SetActuator(ctx context.Context, a telemetry.Actuator, on bool) error
	TriggerEvent(ctx context.Context, e telemetry.Event) (telemetry.EventTime, error)
}

// Options configures the handler.
type Options struct {
	Clock          protocol.Clock
	CommandTimeout time.Duration
	Metrics        http.Handler // served at /metrics when set
}

// Server routes control requests to a Controller.
type Server struct {
	ctrl Controller
	opts Options
	mux  *http.ServeMux
}

// New builds the routing table.
func New(ctrl Controller, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 15 * time.Second
	}
	if opts.Clock.Epoch.IsZero() {
		opts.Clock = protocol.UnixClock()
	}
	s := &Server{ctrl: ctrl, opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /actuators/{name}/{state}", s.handleActuator)
	s.mux.HandleFunc("POST /events/{name}/trigger", s.handleTrigger)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		slog.Debug("[HTTP] request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MeasurementJSON is a reading in value+unit form.
type MeasurementJSON struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// StatusJSON is the fixed-shape body of GET /status.
type StatusJSON struct {
	Connected   bool                  `json:"connected"`
	Temperature *MeasurementJSON      `json:"temperature"`
	Humidity    *MeasurementJSON      `json:"humidity"`
	Events      map[string]*time.Time `json:"events"`
	Actuators   map[string]bool       `json:"actuators"`
	Seq         uint64                `json:"seq"`
	UpdatedAt   *time.Time            `json:"updated_at"`
}

type triggerJSON struct {
	Event string     `json:"event"`
	Time  *time.Time `json:"time"`
}

// Render converts a snapshot into its wire form, with event times in the
// clock's fixed offset.
func Render(snap telemetry.Snapshot, clock protocol.Clock) StatusJSON {
	out := StatusJSON{
		Connected:   snap.Connected,
		Temperature: measurement(snap.Temperature),
		Humidity:    measurement(snap.Humidity),
		Events:      make(map[string]*time.Time, telemetry.NumEvents),
		Actuators:   make(map[string]bool, telemetry.NumActuators),
		Seq:         snap.Seq,
	}
	for e := telemetry.Event(0); e < telemetry.NumEvents; e++ {
		out.Events[e.String()] = eventTime(snap.Events[e], clock)
	}
	for a := telemetry.Actuator(0); a < telemetry.NumActuators; a++ {
		out.Actuators[a.String()] = snap.Actuators[a]
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt.In(clock.Location())
		out.UpdatedAt = &t
	}
	return out
}

func measurement(m telemetry.Measurement) *MeasurementJSON {
	if !m.Valid {
		return nil
	}
	return &MeasurementJSON{Value: m.Reading.Value(), Unit: string(m.Reading.Unit)}
}

func eventTime(et telemetry.EventTime, clock protocol.Clock) *time.Time {
	if !et.Valid {
		return nil
	}
	t := et.Timestamp.Time(clock)
	return &t
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Render(s.ctrl.Snapshot(), s.opts.Clock))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.ctrl.Snapshot().Connected})
}

func (s *Server) handleActuator(w http.ResponseWriter, r *http.Request) {
	a, ok := telemetry.ParseActuator(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown actuator "+r.PathValue("name"))
		return
	}
	var on bool
	switch r.PathValue("state") {
	case "on":
		on = true
	case "off":
	default:
		writeError(w, http.StatusBadRequest, "state must be on or off")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	if err := s.ctrl.SetActuator(ctx, a, on); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	e, ok := telemetry.ParseEvent(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown event "+r.PathValue("name"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	et, err := s.ctrl.TriggerEvent(ctx, e)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerJSON{Event: e.String(), Time: eventTime(et, s.opts.Clock)})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Warn("[HTTP] command failed", "path", r.URL.Path, "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

// StatusCode maps a command error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ble.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrUnknownActuator), errors.Is(err, command.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, command.ErrNoTrigger):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[HTTP] encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
