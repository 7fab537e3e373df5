package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/controllers/greenhousecontroller"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

const (
	source         = "api"
	requestTimeout = 45 * time.Second
	defaultEvents  = 50
	maxEvents      = 500
)

type Controller interface {
	Force(ctx context.Context, role model.Role, on bool, source string) error
	Resume(ctx context.Context, source string) error
	Status(ctx context.Context) (greenhousecontroller.Status, error)
	Photo(ctx context.Context) (string, error)
}

type EventSource interface {
	RecentEvents(ctx context.Context, limit int) ([]db.Event, error)
}

type Deps struct {
	Controller Controller
	Events     EventSource
	Metrics    http.Handler
	// MQTTConnected reports broker connectivity for /health; nil when MQTT is off.
	MQTTConnected func() bool
}

type Server struct {
	deps Deps
}

type ActuatorRequest struct {
	State string `json:"state"`
}

type ActuatorResponse struct {
	Role  model.Role        `json:"role"`
	State string            `json:"state"`
	Mode  model.ControlMode `json:"mode"`
}

type ModeResponse struct {
	Mode model.ControlMode `json:"mode"`
}

type PhotoResponse struct {
	Path string `json:"path"`
}

type HealthResponse struct {
	Status string `json:"status"`
	MQTT   *bool  `json:"mqtt,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler returns the router wrapped in recovery, access logging and CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/actuators/{role}", s.setActuator).Methods(http.MethodPut)
	api.HandleFunc("/auto", s.resume).Methods(http.MethodPost)
	api.HandleFunc("/photo", s.takePhoto).Methods(http.MethodPost)
	api.HandleFunc("/events", s.getEvents).Methods(http.MethodGet)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	accessLog := log.With().Str("component", "api").Logger()
	chain := alice.New(
		handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)),
		func(h http.Handler) http.Handler { return handlers.LoggingHandler(accessLog, h) },
		handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		),
	)
	return chain.Then(r)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", srv.Addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.deps.Controller.Status(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) setActuator(w http.ResponseWriter, r *http.Request) {
	role, err := model.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req ActuatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	var on bool
	switch strings.ToLower(req.State) {
	case "on":
		on = true
	case "off":
	default:
		s.writeError(w, http.StatusBadRequest, "Invalid state. Valid states: on, off")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	err = s.deps.Controller.Force(ctx, role, on, source)
	switch {
	case errors.Is(err, actuator.ErrNotConnected):
		s.writeError(w, http.StatusConflict, fmt.Sprintf("%s plug not connected", role.Title()))
		return
	case errors.Is(err, actuator.ErrUnreachable):
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, ActuatorResponse{
		Role:  role,
		State: model.PowerFromBool(on).String(),
		Mode:  model.ModeManual,
	})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.deps.Controller.Resume(ctx, source); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ModeResponse{Mode: model.ModeAuto})
}

func (s *Server) takePhoto(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	path, err := s.deps.Controller.Photo(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, PhotoResponse{Path: path})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEvents
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEvents)
	}

	if s.deps.Events == nil {
		s.writeJSON(w, http.StatusOK, []db.Event{})
		return
	}
	events, err := s.deps.Events.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.deps.MQTTConnected != nil {
		connected := s.deps.MQTTConnected()
		resp.MQTT = &connected
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
