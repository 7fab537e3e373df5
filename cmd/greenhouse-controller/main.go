package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
	"github.com/thatsimonsguy/greenhouse-controller/internal/api"
	"github.com/thatsimonsguy/greenhouse-controller/internal/camera"
	"github.com/thatsimonsguy/greenhouse-controller/internal/command"
	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/controllers/greenhousecontroller"
	"github.com/thatsimonsguy/greenhouse-controller/internal/datadog"
	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/env"
	"github.com/thatsimonsguy/greenhouse-controller/internal/gpio"
	"github.com/thatsimonsguy/greenhouse-controller/internal/kasa"
	"github.com/thatsimonsguy/greenhouse-controller/internal/logging"
	"github.com/thatsimonsguy/greenhouse-controller/internal/metrics"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
	"github.com/thatsimonsguy/greenhouse-controller/internal/mqtt"
	"github.com/thatsimonsguy/greenhouse-controller/internal/notifications"
	"github.com/thatsimonsguy/greenhouse-controller/internal/relay"
	"github.com/thatsimonsguy/greenhouse-controller/system/shutdown"
	"github.com/thatsimonsguy/greenhouse-controller/system/startup"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("transport", cfg.Actuators.Transport).
		Str("camera", cfg.Camera.Backend).
		Msg("Starting greenhouse controller")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED - GPIO pins are never driven")
	}
	if err := gpio.Open(); err != nil {
		shutdown.ShutdownWithError(err, "Failed to open GPIO")
	}
	shutdown.RegisterHook("gpio", func(context.Context) error {
		gpio.Close()
		return nil
	})

	datadog.InitMetrics()
	shutdown.RegisterHook("datadog", func(context.Context) error {
		datadog.Close()
		return nil
	})
	m := metrics.New()

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open journal database")
	}
	shutdown.RegisterHook("journal", func(context.Context) error { return conn.Close() })
	journal := db.NewJournal(conn)

	relayPins, err := startup.RelayPins(cfg.Actuators)
	if err != nil {
		shutdown.ShutdownWithError(err, "Invalid relay pin configuration")
	}
	if len(relayPins) > 0 && !cfg.SafeMode {
		if err := gpio.ValidateRelayPins(relayPins); err != nil {
			shutdown.ShutdownWithError(err, "Refusing to drive relay board due to unsafe pin states")
		}
	}
	shutdown.ReleaseRelays(relayPins)

	registry := actuator.NewRegistry(newScanner(&cfg), actuator.Options{
		Names: map[model.Role]string{
			model.RoleLight: cfg.Actuators.LightName,
			model.RolePump:  cfg.Actuators.PumpName,
		},
		DiscoveryTimeout: time.Duration(cfg.Actuators.DiscoveryTimeoutSeconds) * time.Second,
		CallTimeout:      time.Duration(cfg.Actuators.CallTimeoutSeconds) * time.Second,
		ShortBackoff:     time.Duration(cfg.Actuators.ShortBackoffMinutes) * time.Minute,
		LongBackoff:      time.Duration(cfg.Actuators.LongBackoffHours) * time.Hour,
	})
	// shutdown hooks fire after Run returns, so the registry is free to use here
	shutdown.RegisterHook("light off", func(ctx context.Context) error {
		if !registry.Has(model.RoleLight) {
			return nil
		}
		return registry.TurnOff(ctx, model.RoleLight)
	})

	sensor := dht11.NewDecoder(gpio.Pins{}, cfg.SensorPin,
		time.Duration(cfg.SensorTimeoutMS)*time.Millisecond,
		time.Duration(cfg.BitThresholdUS)*time.Microsecond)

	var mqttClient *mqtt.Client
	var pub notifications.Publisher
	if cfg.MQTT.Broker != "" {
		mqttClient = mqtt.New(cfg.MQTT, nil)
		pub = mqttClient
	} else {
		log.Warn().Msg("MQTT broker not configured - MQTT commands disabled")
	}
	notifier := notifications.Init(pub)
	shutdown.RegisterHook("notifications", func(context.Context) error {
		notifier.Close()
		return nil
	})

	ctl := greenhousecontroller.New(greenhousecontroller.Deps{
		Registry: registry,
		Sensor:   sensor,
		Camera:   newCamera(&cfg),
		Notifier: notifier,
		Journal:  journal,
		Metrics:  m,
	}, greenhousecontroller.SettingsFromConfig(&cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if mqttClient != nil {
		mqttClient.SetHandler(command.NewDispatcher(ctl, "mqtt"))
		mqttClient.Start(ctx)
	}

	if cfg.API.Enabled {
		deps := api.Deps{Controller: ctl, Events: journal, Metrics: m.Handler()}
		if mqttClient != nil {
			deps.MQTTConnected = mqttClient.Connected
		}
		server := api.NewServer(deps)
		go func() {
			if err := server.Start(ctx, cfg.API.Port); err != nil {
				cancel(err)
			}
		}()
	}

	err = ctl.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		shutdown.ShutdownWithError(cause, "Greenhouse controller failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		shutdown.ShutdownWithError(err, "Greenhouse controller failed")
	}
	shutdown.Shutdown()
}

func newScanner(cfg *config.Config) actuator.Scanner {
	if cfg.Actuators.Transport == "relay" {
		channels := []relay.Channel{{
			Name:       cfg.Actuators.LightName,
			Pin:        cfg.Actuators.Relay.LightPin,
			ActiveHigh: cfg.Actuators.Relay.ActiveHigh,
		}}
		if cfg.Actuators.Relay.PumpPin != "" {
			channels = append(channels, relay.Channel{
				Name:       cfg.Actuators.PumpName,
				Pin:        cfg.Actuators.Relay.PumpPin,
				ActiveHigh: cfg.Actuators.Relay.ActiveHigh,
			})
		}
		board := relay.NewRaspiBoard(channels)
		shutdown.RegisterHook("relay board", func(context.Context) error { return board.Halt() })
		return board
	}

	return &kasa.Discoverer{
		BroadcastAddr: cfg.Actuators.BroadcastAddr,
		Timeout:       time.Duration(cfg.Actuators.DiscoveryTimeoutSeconds) * time.Second,
	}
}

func newCamera(cfg *config.Config) camera.Capturer {
	timeout := time.Duration(cfg.Camera.TimeoutSeconds) * time.Second
	if cfg.Camera.Backend == "webcam" {
		return camera.NewWebcam(cfg.Camera.Device, cfg.Camera.Dir, cfg.Camera.Width, cfg.Camera.Height, timeout)
	}
	return camera.NewRpicam(cfg.Camera.Dir, timeout)
}
