// Package greenhousecontroller runs the control loop: it reads the sensor,
// decides each actuator's state (overheat cut-off, then manual override, then
// schedule), takes the hourly photo and serves manual commands.
package greenhousecontroller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/camera"
	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/metrics"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
	"github.com/thatsimonsguy/greenhouse-controller/internal/notifications"
)

const (
	TriggerHourly  = "hourly"
	TriggerCommand = "command"

	SourceSchedule  = "schedule"
	SourceEmergency = "emergency"
)

// Registry is the part of actuator.Registry the loop drives.
type Registry interface {
	Has(role model.Role) bool
	IsExpected(role model.Role) bool
	EnsureConnected(ctx context.Context, force bool, now time.Time) time.Time
	TurnOn(ctx context.Context, role model.Role) error
	TurnOff(ctx context.Context, role model.Role) error
	IsOn(ctx context.Context, role model.Role) (model.PowerState, error)
	Snapshot() []actuator.HandleStatus
}

type Sensor interface {
	Read() dht11.Reading
	ReadWithRetries(retries int, gap time.Duration) dht11.Reading
}

type Journal interface {
	RecordEvent(ctx context.Context, e db.Event) error
	RecordPhoto(ctx context.Context, p db.Photo) error
	LastPhoto(ctx context.Context) (*db.Photo, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type Settings struct {
	OverheatThresholdF float64
	Light              config.LightSchedule
	Pump               config.PumpSchedule
	PollInterval       time.Duration
	Location           *time.Location
	StatusRetries      int
	StatusRetryGap     time.Duration
	JournalRetention   time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		OverheatThresholdF: cfg.OverheatThresholdF,
		Light:              cfg.LightSchedule,
		Pump:               cfg.PumpSchedule,
		PollInterval:       cfg.PollInterval(),
		Location:           cfg.Location(),
		StatusRetries:      2,
		// the sensor needs at least a second between reads
		StatusRetryGap:   2 * time.Second,
		JournalRetention: time.Duration(cfg.JournalRetentionDays) * 24 * time.Hour,
	}
}

type Deps struct {
	Registry Registry
	Sensor   Sensor
	Camera   camera.Capturer
	Notifier notifications.Notifier
	Journal  Journal
	Metrics  *metrics.Metrics
}

type Controller struct {
	registry Registry
	sensor   Sensor
	camera   camera.Capturer
	notifier notifications.Notifier
	journal  Journal
	metrics  *metrics.Metrics
	settings Settings

	state     State
	overheat  bool
	requests  chan func(context.Context)
	now       func() time.Time
	pruneTick time.Duration
}

func New(deps Deps, settings Settings) *Controller {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 10 * time.Second
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}
	c := &Controller{
		registry:  deps.Registry,
		sensor:    deps.Sensor,
		camera:    deps.Camera,
		notifier:  deps.Notifier,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		settings:  settings,
		state:     NewState(),
		requests:  make(chan func(context.Context)),
		now:       time.Now,
		pruneTick: 24 * time.Hour,
	}
	if c.notifier == nil {
		c.notifier = notifications.Discard{}
	}
	if c.journal == nil {
		c.journal = noJournal{}
	}
	return c
}

// Run owns the control state until ctx is done. It ticks every poll interval
// and executes manual commands between ticks, one at a time.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", c.settings.PollInterval).
		Float64("overheat_threshold_f", c.settings.OverheatThresholdF).
		Int("light_start", c.settings.Light.StartHour).
		Int("light_end", c.settings.Light.EndHour).
		Int("pump_minutes", c.settings.Pump.MinuteThreshold).
		Msg("Starting greenhouse controller")

	ticker := time.NewTicker(c.settings.PollInterval)
	defer ticker.Stop()
	prune := time.NewTicker(c.pruneTick)
	defer prune.Stop()

	c.Tick(ctx, c.now())
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Greenhouse controller stopped")
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx, c.now())
		case req := <-c.requests:
			req(ctx)
		case <-prune.C:
			c.pruneJournal(ctx)
		}
	}
}

// Tick runs one pass of the control loop at now. It must only be called from
// the goroutine that owns the controller.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	started := time.Now()
	now = now.In(c.settings.Location)

	if !now.Before(c.state.NextDiscovery) {
		force := !c.registry.Has(model.RoleLight)
		c.state.NextDiscovery = c.registry.EnsureConnected(ctx, force, now)
		log.Debug().Bool("forced", force).Time("next", c.state.NextDiscovery).Msg("Discovery maintenance done")
	}

	reading := c.sensor.Read()
	c.metrics.Reading(reading)
	if reading.Valid {
		log.Debug().
			Float64("temp_f", reading.TemperatureF).
			Float64("humidity", reading.Humidity).
			Msg("Sensor reading")
	} else {
		log.Warn().Err(reading.Err).Msg("Sensor read failed")
	}

	c.evaluateLight(ctx, now, reading)
	c.evaluatePump(ctx, now)

	if c.state.Photo.due(now) {
		c.hourlyPhoto(ctx, now)
	}

	for _, h := range c.registry.Snapshot() {
		c.metrics.Actuator(h.Role, h.Connected, h.Power)
	}
	c.metrics.TickDuration(time.Since(started))
}

func (c *Controller) evaluateLight(ctx context.Context, now time.Time, reading dht11.Reading) {
	if reading.Valid && reading.TemperatureF > c.settings.OverheatThresholdF {
		c.overheatCutoff(ctx, now, reading.TemperatureF)
		return
	}
	if c.overheat {
		log.Info().Float64("temp_f", reading.TemperatureF).Bool("valid", reading.Valid).Msg("Overheat cleared")
		c.overheat = false
		c.metrics.Emergency(false)
	}

	if c.state.Overrides[model.RoleLight] {
		log.Debug().Msg("Light in manual mode, schedule skipped")
		return
	}
	c.applySchedule(ctx, now, model.RoleLight, lightWanted(c.settings.Light, now.Hour()))
}

// overheatCutoff kills the light regardless of override or schedule. The
// override flag is left as it is.
func (c *Controller) overheatCutoff(ctx context.Context, now time.Time, tempF float64) {
	log.Error().
		Float64("temp_f", tempF).
		Float64("threshold_f", c.settings.OverheatThresholdF).
		Msg("Overheat detected, killing lights")

	err := c.registry.TurnOff(ctx, model.RoleLight)
	if err != nil {
		log.Error().Err(err).Msg("Failed to turn off light during overheat")
	} else {
		c.metrics.Transition(model.RoleLight, model.PowerOff, SourceEmergency)
	}

	c.notifier.Notify(ctx, notifications.Message{
		Category: notifications.Emergency,
		Title:    "Overheat",
		Text:     fmt.Sprintf("@everyone **OVERHEAT:** %.1fF! Killing Lights.", tempF),
	})

	if !c.overheat {
		c.overheat = true
		c.metrics.Emergency(true)
		detail := fmt.Sprintf("%.1fF > %.1fF", tempF, c.settings.OverheatThresholdF)
		if err != nil {
			detail += ": " + err.Error()
		}
		c.record(ctx, db.Event{At: now, Kind: db.KindEmergency, Role: string(model.RoleLight), Detail: detail, Source: SourceEmergency})
	}
}

func (c *Controller) evaluatePump(ctx context.Context, now time.Time) {
	if !c.registry.IsExpected(model.RolePump) {
		return
	}
	if c.state.Overrides[model.RolePump] {
		log.Debug().Msg("Pump in manual mode, schedule skipped")
		return
	}
	c.applySchedule(ctx, now, model.RolePump, pumpWanted(c.settings.Pump, now.Minute()))
}

// applySchedule commands role only when its current state differs from want.
func (c *Controller) applySchedule(ctx context.Context, now time.Time, role model.Role, want bool) {
	if !c.registry.Has(role) {
		log.Debug().Str("role", string(role)).Msg("No handle, schedule skipped")
		return
	}

	current, err := c.registry.IsOn(ctx, role)
	if err != nil {
		log.Warn().Err(err).Str("role", string(role)).Msg("Could not read actuator state")
		return
	}
	desired := model.PowerFromBool(want)
	if current == desired {
		return
	}

	if err := c.setPower(ctx, role, want); err != nil {
		log.Warn().Err(err).Str("role", string(role)).Str("desired", desired.String()).Msg("Scheduled switch failed")
		return
	}

	log.Info().Str("role", string(role)).Str("state", desired.String()).Msg("Scheduled transition")
	c.metrics.Transition(role, desired, SourceSchedule)
	c.notifier.Notify(ctx, notifications.Message{
		Category: notifications.General,
		Text:     autoText(role, desired),
	})
	c.record(ctx, db.Event{At: now, Kind: db.KindTransition, Role: string(role), Detail: desired.String(), Source: SourceSchedule})
}

func autoText(role model.Role, p model.PowerState) string {
	label := role.Title()
	if role == model.RoleLight {
		label = "Lights"
	}
	return fmt.Sprintf("%s Auto-%s", label, p)
}

func (c *Controller) setPower(ctx context.Context, role model.Role, on bool) error {
	if on {
		return c.registry.TurnOn(ctx, role)
	}
	return c.registry.TurnOff(ctx, role)
}

// hourlyPhoto leaves the edge state untouched on failure so the next tick in
// the same minute tries again.
func (c *Controller) hourlyPhoto(ctx context.Context, now time.Time) {
	path, err := c.capture(ctx, TriggerHourly)
	if err != nil {
		log.Warn().Err(err).Int("hour", now.Hour()).Msg("Hourly photo failed")
		return
	}
	c.state.Photo.fired(now)

	c.notifier.Notify(ctx, notifications.Message{
		Category:   notifications.Images,
		Title:      "Hourly Update",
		Text:       "Hourly Update: " + now.Format("03:04 PM"),
		Attachment: path,
	})
}

func (c *Controller) capture(ctx context.Context, trigger string) (string, error) {
	if c.camera == nil {
		err := fmt.Errorf("%w: no camera configured", camera.ErrCaptureFailed)
		c.metrics.Photo(trigger, err)
		return "", err
	}

	path, err := c.camera.Capture(ctx)
	c.metrics.Photo(trigger, err)
	if err != nil {
		return "", err
	}

	log.Info().Str("path", path).Str("trigger", trigger).Msg("Photo captured")
	if err := c.journal.RecordPhoto(ctx, db.Photo{At: c.now(), Path: path, Trigger: trigger}); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to journal photo")
	}
	return path, nil
}

func (c *Controller) record(ctx context.Context, e db.Event) {
	if err := c.journal.RecordEvent(ctx, e); err != nil {
		log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Failed to journal event")
	}
}

func (c *Controller) pruneJournal(ctx context.Context) {
	if c.settings.JournalRetention <= 0 {
		return
	}
	n, err := c.journal.Prune(ctx, c.settings.JournalRetention)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune journal")
		return
	}
	if n > 0 {
		log.Info().Int64("events", n).Dur("retention", c.settings.JournalRetention).Msg("Pruned journal")
	}
}

// do runs fn on the Run goroutine and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	req := func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx)
	}

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noJournal struct{}

func (noJournal) RecordEvent(context.Context, db.Event) error { return nil }
func (noJournal) RecordPhoto(context.Context, db.Photo) error { return nil }
func (noJournal) LastPhoto(context.Context) (*db.Photo, error) { return nil, nil }
func (noJournal) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }
