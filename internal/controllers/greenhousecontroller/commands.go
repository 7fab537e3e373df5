package greenhousecontroller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

type RoleStatus struct {
	Role      model.Role        `json:"role"`
	Name      string            `json:"name"`
	Present   bool              `json:"present"`
	Connected bool              `json:"connected"`
	Power     model.PowerState  `json:"-"`
	PowerText string            `json:"power"`
	Mode      model.ControlMode `json:"mode"`
}

type Status struct {
	At           time.Time     `json:"ts"`
	Reading      dht11.Reading `json:"-"`
	TemperatureF *float64      `json:"temperature_f"`
	Humidity     *float64      `json:"humidity"`
	SensorError  string        `json:"sensor_error,omitempty"`
	Overheat     bool          `json:"overheat"`
	Actuators    []RoleStatus  `json:"actuators"`
	LastPhoto    *db.Photo     `json:"last_photo,omitempty"`
}

// Role returns the status of role and whether the registry knows about it.
func (s Status) Role(role model.Role) (RoleStatus, bool) {
	for _, rs := range s.Actuators {
		if rs.Role == role {
			return rs, true
		}
	}
	return RoleStatus{Role: role}, false
}

// Force puts role in manual mode and switches it. A role without a handle is
// rejected with actuator.ErrNotConnected before the override is set; a failed
// switch leaves the override in place.
func (c *Controller) Force(ctx context.Context, role model.Role, on bool, source string) error {
	var err error
	doErr := c.do(ctx, func(ctx context.Context) {
		err = c.force(ctx, role, on, source)
	})
	if doErr != nil {
		return doErr
	}
	c.metrics.Command("force", err)
	return err
}

func (c *Controller) force(ctx context.Context, role model.Role, on bool, source string) error {
	if !c.registry.Has(role) {
		return fmt.Errorf("%w: %s", actuator.ErrNotConnected, role)
	}

	c.state.Overrides[role] = true
	desired := model.PowerFromBool(on)
	log.Info().Str("role", string(role)).Str("state", desired.String()).Str("source", source).Msg("Manual override")

	err := c.setPower(ctx, role, on)
	detail := "force " + desired.String()
	if err != nil {
		detail += " failed: " + err.Error()
	} else {
		c.metrics.Transition(role, desired, source)
	}
	c.record(ctx, db.Event{At: c.now(), Kind: db.KindCommand, Role: string(role), Detail: detail, Source: source})
	return err
}

// Resume clears every override so the schedule takes over again on the next
// tick.
func (c *Controller) Resume(ctx context.Context, source string) error {
	err := c.do(ctx, func(ctx context.Context) {
		for role := range c.state.Overrides {
			delete(c.state.Overrides, role)
		}
		log.Info().Str("source", source).Msg("Automation resumed")
		c.record(ctx, db.Event{At: c.now(), Kind: db.KindCommand, Detail: "resume", Source: source})
	})
	c.metrics.Command("resume", err)
	return err
}

// Status takes a fresh reading, refreshes the actuators and reports them along
// with the last photo.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func(ctx context.Context) {
		st = c.status(ctx)
	})
	if err != nil {
		return Status{}, err
	}

	last, err := c.journal.LastPhoto(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up last photo")
	}
	st.LastPhoto = last
	c.metrics.Command("status", nil)
	return st, nil
}

func (c *Controller) status(ctx context.Context) Status {
	reading := c.sensor.ReadWithRetries(c.settings.StatusRetries, c.settings.StatusRetryGap)
	c.metrics.Reading(reading)

	st := Status{At: c.now(), Reading: reading, Overheat: c.overheat}
	if reading.Valid {
		t, h := reading.TemperatureF, reading.Humidity
		st.TemperatureF, st.Humidity = &t, &h
	} else if reading.Err != nil {
		st.SensorError = reading.Err.Error()
	}

	for _, role := range model.Roles {
		if c.registry.Has(role) {
			if _, err := c.registry.IsOn(ctx, role); err != nil {
				log.Warn().Err(err).Str("role", string(role)).Msg("Status refresh failed")
			}
		}
	}
	for _, h := range c.registry.Snapshot() {
		st.Actuators = append(st.Actuators, RoleStatus{
			Role:      h.Role,
			Name:      h.Name,
			Present:   h.Present,
			Connected: h.Connected,
			Power:     h.Power,
			PowerText: h.PowerText,
			Mode:      c.state.Mode(h.Role),
		})
	}
	return st
}

// Photo captures on the caller's goroutine; the camera serializes captures
// itself.
func (c *Controller) Photo(ctx context.Context) (string, error) {
	path, err := c.capture(ctx, TriggerCommand)
	c.metrics.Command("photo", err)
	return path, err
}
