package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/controllers/greenhousecontroller"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{"!auto", Command{Kind: KindResume}},
		{"  !status ", Command{Kind: KindStatus}},
		{"!photo", Command{Kind: KindPhoto}},
		{"!light on", Command{Kind: KindForce, Role: model.RoleLight, On: true}},
		{"!Light OFF", Command{Kind: KindForce, Role: model.RoleLight, On: false}},
		{"!pump on", Command{Kind: KindForce, Role: model.RolePump, On: true}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("hello")
	assert.ErrorIs(t, err, ErrNotCommand)
	_, err = Parse("!")
	assert.ErrorIs(t, err, ErrNotCommand)

	_, err = Parse("!fan on")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Parse("!light dim")
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "Usage: '!light on' or '!light off'", usage.Error())

	_, err = Parse("!pump")
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, model.RolePump, usage.Role)
}

type fakeController struct {
	forceErr error
	forced   []string
	resumed  int
	status   greenhousecontroller.Status
	photo    string
	photoErr error
}

func (f *fakeController) Force(_ context.Context, role model.Role, on bool, source string) error {
	f.forced = append(f.forced, string(role)+" "+model.PowerFromBool(on).String()+" "+source)
	return f.forceErr
}

func (f *fakeController) Resume(context.Context, string) error {
	f.resumed++
	return nil
}

func (f *fakeController) Status(context.Context) (greenhousecontroller.Status, error) {
	return f.status, nil
}

func (f *fakeController) Photo(context.Context) (string, error) {
	return f.photo, f.photoErr
}

func handle(d *Dispatcher, text string) []Reply {
	var replies []Reply
	d.Handle(context.Background(), text, func(r Reply) { replies = append(replies, r) })
	return replies
}

func TestDispatcher_Force(t *testing.T) {
	ctl := &fakeController{}
	d := NewDispatcher(ctl, "mqtt")

	assert.Equal(t, []Reply{{Text: "Light forced **ON** (Manual Mode Active)"}}, handle(d, "!light on"))
	assert.Equal(t, []Reply{{Text: "Pump forced **OFF** (Manual Mode Active)"}}, handle(d, "!pump off"))
	assert.Equal(t, []string{"light ON mqtt", "pump OFF mqtt"}, ctl.forced)

	ctl.forceErr = actuator.ErrNotConnected
	assert.Equal(t, []Reply{{Text: "Light plug not connected."}}, handle(d, "!light on"))

	ctl.forceErr = errors.New("timeout")
	assert.Equal(t, []Reply{{Text: "Failed: timeout"}}, handle(d, "!light off"))

	assert.Equal(t, []Reply{{Text: "Usage: '!light on' or '!light off'"}}, handle(d, "!light maybe"))
}

func TestDispatcher_AutoAndNoise(t *testing.T) {
	ctl := &fakeController{}
	d := NewDispatcher(ctl, "mqtt")

	assert.Equal(t, []Reply{{Text: "**Automation Resumed.** Schedule is back in control."}}, handle(d, "!auto"))
	assert.Equal(t, 1, ctl.resumed)

	assert.Empty(t, handle(d, "good morning"))
	replies := handle(d, "!dance")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Unknown command")
}

func TestDispatcher_Photo(t *testing.T) {
	ctl := &fakeController{photo: "photos/grow_1.jpg"}
	d := NewDispatcher(ctl, "mqtt")

	assert.Equal(t, []Reply{
		{Text: "📸 Snapping photo (wait 5s)..."},
		{Attachment: "photos/grow_1.jpg"},
	}, handle(d, "!photo"))

	ctl.photoErr = errors.New("camera busy")
	replies := handle(d, "!photo")
	require.Len(t, replies, 2)
	assert.Equal(t, "Photo Failed.", replies[1].Text)
}

func TestRenderStatus(t *testing.T) {
	temp, hum := 75.24, 40.0
	st := greenhousecontroller.Status{
		TemperatureF: &temp,
		Humidity:     &hum,
		Actuators: []greenhousecontroller.RoleStatus{
			{Role: model.RoleLight, Present: true, Connected: true, Power: model.PowerOn, Mode: model.ModeManual},
			{Role: model.RolePump, Present: true, Connected: false, Power: model.PowerUnknown, Mode: model.ModeAuto},
		},
		LastPhoto: &db.Photo{At: time.Date(2026, 6, 1, 15, 0, 0, 0, time.Local), Path: "photos/p.jpg"},
	}

	out := RenderStatus(st)
	assert.Contains(t, out, "**🌱 Garden Status**")
	assert.Contains(t, out, "Temp: `75.2F`")
	assert.Contains(t, out, "Humidity: `40.0%`")
	assert.Contains(t, out, "Light: `ON` (**MANUAL**)")
	assert.Contains(t, out, "Pump: `Offline` (**AUTO**)")
	assert.Contains(t, out, "Last photo: Jun 1 03:00 PM")
}

func TestRenderStatus_Failures(t *testing.T) {
	out := RenderStatus(greenhousecontroller.Status{Overheat: true})
	assert.Contains(t, out, "Temp: `ERR`")
	assert.Contains(t, out, "Humidity: `ERR`")
	assert.Contains(t, out, "Light: `Offline` (**AUTO**)")
	assert.NotContains(t, out, "Pump")
	assert.Contains(t, out, "Overheat")
}

func TestDispatcher_Status(t *testing.T) {
	ctl := &fakeController{}
	d := NewDispatcher(ctl, "api")

	replies := handle(d, "!status")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Garden Status")
}
