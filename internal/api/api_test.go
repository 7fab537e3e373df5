package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/controllers/greenhousecontroller"
	"github.com/thatsimonsguy/greenhouse-controller/internal/metrics"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

type fakeController struct {
	forceErr error
	forced   []string
	resumed  int
	photoErr error
	status   greenhousecontroller.Status
	panicky  bool
}

func (f *fakeController) Force(_ context.Context, role model.Role, on bool, source string) error {
	f.forced = append(f.forced, fmt.Sprintf("%s %v %s", role, on, source))
	return f.forceErr
}

func (f *fakeController) Resume(context.Context, string) error {
	f.resumed++
	return nil
}

func (f *fakeController) Status(context.Context) (greenhousecontroller.Status, error) {
	if f.panicky {
		panic("status exploded")
	}
	return f.status, nil
}

func (f *fakeController) Photo(context.Context) (string, error) {
	if f.photoErr != nil {
		return "", f.photoErr
	}
	return "photos/grow_1.jpg", nil
}

type fakeEvents struct {
	events    []db.Event
	lastLimit int
}

func (f *fakeEvents) RecentEvents(_ context.Context, limit int) ([]db.Event, error) {
	f.lastLimit = limit
	return f.events, nil
}

func setupServer(ctl *fakeController, events *fakeEvents) http.Handler {
	connected := true
	return NewServer(Deps{
		Controller:    ctl,
		Events:        events,
		Metrics:       metrics.New().Handler(),
		MQTTConnected: func() bool { return connected },
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	temp := 74.5
	ctl := &fakeController{status: greenhousecontroller.Status{
		TemperatureF: &temp,
		Actuators: []greenhousecontroller.RoleStatus{
			{Role: model.RoleLight, Name: "Lights", Present: true, Connected: true, Power: model.PowerOn, PowerText: "ON", Mode: model.ModeAuto},
		},
	}}
	rec := do(t, setupServer(ctl, &fakeEvents{}), http.MethodGet, "/api/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 74.5, body["temperature_f"])
	assert.Nil(t, body["humidity"])

	actuators := body["actuators"].([]interface{})
	require.Len(t, actuators, 1)
	light := actuators[0].(map[string]interface{})
	assert.Equal(t, "ON", light["power"])
	assert.Equal(t, "auto", light["mode"])
}

func TestSetActuator(t *testing.T) {
	ctl := &fakeController{}
	h := setupServer(ctl, &fakeEvents{})

	rec := do(t, h, http.MethodPut, "/api/actuators/light", ActuatorRequest{State: "on"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ActuatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ActuatorResponse{Role: model.RoleLight, State: "ON", Mode: model.ModeManual}, resp)
	assert.Equal(t, []string{"light true api"}, ctl.forced)

	rec = do(t, h, http.MethodPut, "/api/actuators/pump", ActuatorRequest{State: "OFF"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pump false api", ctl.forced[1])
}

func TestSetActuator_Errors(t *testing.T) {
	ctl := &fakeController{}
	h := setupServer(ctl, &fakeEvents{})

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/actuators/fan", ActuatorRequest{State: "on"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/actuators/light", ActuatorRequest{State: "dim"}).Code)

	req := httptest.NewRequest(http.MethodPut, "/api/actuators/light", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctl.forceErr = fmt.Errorf("%w: light", actuator.ErrNotConnected)
	rec = do(t, h, http.MethodPut, "/api/actuators/light", ActuatorRequest{State: "on"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Light plug not connected")

	ctl.forceErr = fmt.Errorf("%w: light", actuator.ErrUnreachable)
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPut, "/api/actuators/light", ActuatorRequest{State: "on"}).Code)

	ctl.forceErr = context.DeadlineExceeded
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPut, "/api/actuators/light", ActuatorRequest{State: "on"}).Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/actuators/light", nil).Code)
}

func TestResumeAndPhoto(t *testing.T) {
	ctl := &fakeController{}
	h := setupServer(ctl, &fakeEvents{})

	rec := do(t, h, http.MethodPost, "/api/auto", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mode":"auto"}`, rec.Body.String())
	assert.Equal(t, 1, ctl.resumed)

	rec = do(t, h, http.MethodPost, "/api/photo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"photos/grow_1.jpg"}`, rec.Body.String())

	ctl.photoErr = errors.New("photo capture failed")
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/photo", nil).Code)
}

func TestGetEvents(t *testing.T) {
	events := &fakeEvents{events: []db.Event{
		{ID: "a", At: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC), Kind: db.KindTransition, Role: "light", Detail: "ON", Source: "schedule"},
	}}
	h := setupServer(&fakeController{}, events)

	rec := do(t, h, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEvents, events.lastLimit)
	var got []db.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, db.KindTransition, got[0].Kind)

	do(t, h, http.MethodGet, "/api/events?limit=10000", nil)
	assert.Equal(t, maxEvents, events.lastLimit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?limit=-1", nil).Code)

	events.events = nil
	rec = do(t, h, http.MethodGet, "/api/events", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	h := setupServer(&fakeController{}, &fakeEvents{})

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","mqtt":true}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "greenhouse_tick_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	h := setupServer(&fakeController{}, &fakeEvents{})

	req := httptest.NewRequest(http.MethodOptions, "/api/actuators/light", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPanicIsRecovered(t *testing.T) {
	h := setupServer(&fakeController{panicky: true}, &fakeEvents{})

	rec := do(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
