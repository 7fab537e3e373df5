package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LightSchedule struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

type PumpSchedule struct {
	MinuteThreshold int `json:"minute_threshold"`
}

type Relay struct {
	LightPin   string `json:"light_pin"`
	PumpPin    string `json:"pump_pin"`
	ActiveHigh bool   `json:"active_high"`
}

type Actuators struct {
	Transport string `json:"transport"` // "kasa" or "relay"
	LightName string `json:"light_name"`
	PumpName  string `json:"pump_name"`
	Relay     Relay  `json:"relay"`

	BroadcastAddr           string `json:"broadcast_addr"`
	DiscoveryTimeoutSeconds int    `json:"discovery_timeout_seconds"`
	CallTimeoutSeconds      int    `json:"call_timeout_seconds"`
	ShortBackoffMinutes     int    `json:"short_backoff_minutes"`
	LongBackoffHours        int    `json:"long_backoff_hours"`
}

type Camera struct {
	Backend        string `json:"backend"` // "rpicam" or "webcam"
	Dir            string `json:"dir"`
	Device         string `json:"device"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Width          uint32 `json:"width"`
	Height         uint32 `json:"height"`
}

type NtfyTopics struct {
	General   string `json:"general"`
	Emergency string `json:"emergency"`
	Images    string `json:"images"`
}

type Ntfy struct {
	Server string     `json:"server"`
	Topics NtfyTopics `json:"topics"`
	Token  string     `json:"token"`
}

type MQTT struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type API struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

type Datadog struct {
	Enabled   bool     `json:"enabled"`
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

// Install controls where `debug -cmd install` writes the boot script and
// systemd units.
type Install struct {
	BootScriptPath  string `json:"boot_script_path"`
	GPIOUnitPath    string `json:"gpio_unit_path"`
	ServiceUnitPath string `json:"service_unit_path"`
	User            string `json:"user"`
	WorkDir         string `json:"work_dir"`
	ExecStart       string `json:"exec_start"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	LogFile    string

	SensorPin       int `json:"sensor_pin"`
	SensorTimeoutMS int `json:"sensor_timeout_ms"`
	BitThresholdUS  int `json:"bit_threshold_us"`

	PollIntervalSeconds int     `json:"poll_interval_seconds"`
	OverheatThresholdF  float64 `json:"overheat_threshold_f"`
	Timezone            string  `json:"timezone"`

	LightSchedule LightSchedule `json:"light_schedule"`
	PumpSchedule  PumpSchedule  `json:"pump_schedule"`

	Actuators Actuators `json:"actuators"`
	Camera    Camera    `json:"camera"`
	Ntfy      Ntfy      `json:"ntfy"`
	MQTT      MQTT      `json:"mqtt"`
	API       API       `json:"api"`
	Datadog   Datadog   `json:"datadog"`
	Install   Install   `json:"install"`

	DBPath               string `json:"db_path"`
	JournalRetentionDays int    `json:"journal_retention_days"`
	SafeMode             bool   `json:"safe_mode"`
}

func Load() Config {
	var configFile, logLevel, logFile string

	flag.StringVar(&configFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFile, "log-file", "/var/log/greenhouse-controller.log", "Log file path, '-' for stderr")
	flag.Parse()

	cfg, err := LoadFile(configFile)
	if err != nil {
		panic(err.Error())
	}
	cfg.LogLevel = parseLogLevel(logLevel)
	cfg.LogFile = logFile
	return cfg
}

// LoadFile reads and validates a config file without touching flags. An
// invalid config still panics, as it does for Load.
func LoadFile(path string) (Config, error) {
	var cfg Config

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("Failed to load config file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("Failed to parse config file: %w", err)
	}

	cfg.ConfigFile = path
	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.validate()
	return cfg, nil
}

// applyEnv lets secrets live outside the config file.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("GREENHOUSE_NTFY_TOKEN"); v != "" {
		cfg.Ntfy.Token = v
	}
	if v := os.Getenv("GREENHOUSE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.SensorTimeoutMS == 0 {
		cfg.SensorTimeoutMS = 500
	}
	if cfg.BitThresholdUS == 0 {
		cfg.BitThresholdUS = 50
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 10
	}
	if cfg.OverheatThresholdF == 0 {
		cfg.OverheatThresholdF = 80.0
	}
	if cfg.Actuators.Transport == "" {
		cfg.Actuators.Transport = "kasa"
	}
	if cfg.Actuators.BroadcastAddr == "" {
		cfg.Actuators.BroadcastAddr = "255.255.255.255:9999"
	}
	if cfg.Actuators.DiscoveryTimeoutSeconds == 0 {
		cfg.Actuators.DiscoveryTimeoutSeconds = 5
	}
	if cfg.Actuators.CallTimeoutSeconds == 0 {
		cfg.Actuators.CallTimeoutSeconds = 5
	}
	if cfg.Actuators.ShortBackoffMinutes == 0 {
		cfg.Actuators.ShortBackoffMinutes = 30
	}
	if cfg.Actuators.LongBackoffHours == 0 {
		cfg.Actuators.LongBackoffHours = 11
	}
	if cfg.Camera.Backend == "" {
		cfg.Camera.Backend = "rpicam"
	}
	if cfg.Camera.Dir == "" {
		cfg.Camera.Dir = "photos"
	}
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.TimeoutSeconds == 0 {
		cfg.Camera.TimeoutSeconds = 30
	}
	if cfg.Camera.Width == 0 || cfg.Camera.Height == 0 {
		cfg.Camera.Width, cfg.Camera.Height = 1920, 1080
	}
	if cfg.Ntfy.Server == "" {
		cfg.Ntfy.Server = "https://ntfy.sh"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "greenhouse-controller"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "greenhouse"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/greenhouse.db"
	}
	if cfg.JournalRetentionDays == 0 {
		cfg.JournalRetentionDays = 90
	}
	if cfg.Install.BootScriptPath == "" {
		cfg.Install.BootScriptPath = "/usr/local/bin/greenhouse-gpio.sh"
	}
	if cfg.Install.GPIOUnitPath == "" {
		cfg.Install.GPIOUnitPath = "/etc/systemd/system/greenhouse-gpio.service"
	}
	if cfg.Install.ServiceUnitPath == "" {
		cfg.Install.ServiceUnitPath = "/etc/systemd/system/greenhouse-controller.service"
	}
	if cfg.Install.User == "" {
		cfg.Install.User = "pi"
	}
	if cfg.Install.WorkDir == "" {
		cfg.Install.WorkDir = "/home/pi/greenhouse-controller"
	}
	if cfg.Install.ExecStart == "" {
		cfg.Install.ExecStart = "/usr/local/bin/greenhouse-controller -config-file /home/pi/greenhouse-controller/config.json"
	}
	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = "127.0.0.1:8125"
	}
	if cfg.Datadog.Namespace == "" {
		cfg.Datadog.Namespace = "greenhouse."
	}
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func (cfg *Config) Location() *time.Location {
	if cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.SensorPin <= 0 {
		problems = append(problems, "sensor_pin must be set")
	}
	if h := cfg.LightSchedule; h.StartHour < 0 || h.StartHour > 23 || h.EndHour < 0 || h.EndHour > 24 {
		problems = append(problems, fmt.Sprintf("light_schedule hours out of range: %d-%d", h.StartHour, h.EndHour))
	}
	if m := cfg.PumpSchedule.MinuteThreshold; m < 0 || m > 60 {
		problems = append(problems, fmt.Sprintf("pump_schedule.minute_threshold out of range: %d", m))
	}
	if cfg.Actuators.LightName == "" {
		problems = append(problems, "actuators.light_name must be set")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", cfg.Timezone))
		}
	}

	switch cfg.Actuators.Transport {
	case "kasa":
	case "relay":
		pins := map[string]string{}
		if cfg.Actuators.Relay.LightPin == "" {
			problems = append(problems, "actuators.relay.light_pin must be set for relay transport")
		} else {
			pins[cfg.Actuators.Relay.LightPin] = "light_pin"
		}
		if p := cfg.Actuators.Relay.PumpPin; p != "" {
			if other, exists := pins[p]; exists {
				problems = append(problems, fmt.Sprintf("actuators.relay.pump_pin and actuators.relay.%s both use pin %s", other, p))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown actuators.transport %q", cfg.Actuators.Transport))
	}

	switch cfg.Camera.Backend {
	case "rpicam", "webcam":
	default:
		problems = append(problems, fmt.Sprintf("unknown camera.backend %q", cfg.Camera.Backend))
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, ", "))
	}
}
