package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/controllers/greenhousecontroller"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

// Controller is what the dispatcher needs from the control loop.
type Controller interface {
	Force(ctx context.Context, role model.Role, on bool, source string) error
	Resume(ctx context.Context, source string) error
	Status(ctx context.Context) (greenhousecontroller.Status, error)
	Photo(ctx context.Context) (string, error)
}

type Reply struct {
	Text string
	// Attachment is a local file to send with the reply.
	Attachment string
}

type Dispatcher struct {
	ctl    Controller
	source string
}

// NewDispatcher returns a dispatcher that tags its actions with source
// ("mqtt", "api", ...) in the journal.
func NewDispatcher(ctl Controller, source string) *Dispatcher {
	return &Dispatcher{ctl: ctl, source: source}
}

// Handle runs the command in text and passes each reply to send in order.
// Text that is not a command produces no reply.
func (d *Dispatcher) Handle(ctx context.Context, text string, send func(Reply)) {
	cmd, err := Parse(text)
	var usage *UsageError
	switch {
	case errors.Is(err, ErrNotCommand):
		return
	case errors.As(err, &usage):
		send(Reply{Text: usage.Error()})
		return
	case err != nil:
		send(Reply{Text: "Unknown command. Try !status, !photo, !auto, !light on|off or !pump on|off"})
		return
	}

	log.Info().Str("source", d.source).Str("command", string(cmd.Kind)).Str("role", string(cmd.Role)).Msg("Command received")

	switch cmd.Kind {
	case KindResume:
		if err := d.ctl.Resume(ctx, d.source); err != nil {
			send(Reply{Text: "Failed: " + err.Error()})
			return
		}
		send(Reply{Text: "**Automation Resumed.** Schedule is back in control."})

	case KindForce:
		send(d.force(ctx, cmd))

	case KindStatus:
		st, err := d.ctl.Status(ctx)
		if err != nil {
			send(Reply{Text: "Failed: " + err.Error()})
			return
		}
		send(Reply{Text: RenderStatus(st)})

	case KindPhoto:
		send(Reply{Text: "📸 Snapping photo (wait 5s)..."})
		path, err := d.ctl.Photo(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Photo command failed")
			send(Reply{Text: "Photo Failed."})
			return
		}
		send(Reply{Attachment: path})
	}
}

func (d *Dispatcher) force(ctx context.Context, cmd Command) Reply {
	err := d.ctl.Force(ctx, cmd.Role, cmd.On, d.source)
	switch {
	case errors.Is(err, actuator.ErrNotConnected):
		return Reply{Text: fmt.Sprintf("%s plug not connected.", cmd.Role.Title())}
	case err != nil:
		return Reply{Text: "Failed: " + err.Error()}
	}
	return Reply{Text: fmt.Sprintf("%s forced **%s** (Manual Mode Active)", cmd.Role.Title(), model.PowerFromBool(cmd.On))}
}

// RenderStatus formats a status report for chat. Missing readings show ERR,
// actuators that do not answer show Offline.
func RenderStatus(st greenhousecontroller.Status) string {
	temp, hum := "ERR", "ERR"
	if st.TemperatureF != nil {
		temp = fmt.Sprintf("%.1fF", *st.TemperatureF)
	}
	if st.Humidity != nil {
		hum = fmt.Sprintf("%.1f%%", *st.Humidity)
	}

	var b strings.Builder
	b.WriteString("**🌱 Garden Status**\n")
	fmt.Fprintf(&b, "🌡️ Temp: `%s`\n", temp)
	fmt.Fprintf(&b, "💧 Humidity: `%s`\n", hum)

	for _, role := range model.Roles {
		rs, known := st.Role(role)
		if !known && role != model.RoleLight {
			continue
		}
		state := "Offline"
		if rs.Present && rs.Connected && rs.Power != model.PowerUnknown {
			state = rs.Power.String()
		}
		mode := "**AUTO**"
		if rs.Mode == model.ModeManual {
			mode = "**MANUAL**"
		}
		fmt.Fprintf(&b, "%s %s: `%s` (%s)\n", roleIcon(role), role.Title(), state, mode)
	}

	if st.Overheat {
		b.WriteString("🔥 Overheat cut-off active\n")
	}
	if st.LastPhoto != nil {
		fmt.Fprintf(&b, "📷 Last photo: %s\n", st.LastPhoto.At.Local().Format("Jan 2 03:04 PM"))
	}
	return b.String()
}

func roleIcon(role model.Role) string {
	if role == model.RolePump {
		return "🚿"
	}
	return "☀️"
}
