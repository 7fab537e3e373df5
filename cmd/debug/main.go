package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/greenhouse-controller/db"
	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/env"
	"github.com/thatsimonsguy/greenhouse-controller/internal/gpio"
	"github.com/thatsimonsguy/greenhouse-controller/internal/kasa"
	"github.com/thatsimonsguy/greenhouse-controller/internal/logging"
	"github.com/thatsimonsguy/greenhouse-controller/internal/pinctrl"
	"github.com/thatsimonsguy/greenhouse-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, configFile, command string
	var limit, days, pin int
	flag.StringVar(&dbPath, "db", "data/greenhouse.db", "Path to the SQLite journal")
	flag.StringVar(&configFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&command, "cmd", "", "Command to run: events, prune, sensor, scan, pin, install")
	flag.IntVar(&limit, "limit", 20, "Number of events to show")
	flag.IntVar(&days, "days", 90, "Prune events older than this many days")
	flag.IntVar(&pin, "pin", 0, "GPIO (BCM) pin for the pin command")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of greenhouse-debug:")
		fmt.Println("  -db string\tPath to the SQLite journal (default 'data/greenhouse.db')")
		fmt.Println("  -config-file string\tPath to controller config file (default 'config.json')")
		fmt.Println("  -cmd string\tCommand to run: events, prune, sensor, scan, pin, install")
		fmt.Println("  -limit int\tNumber of events to show")
		fmt.Println("  -days int\tPrune events older than this many days")
		fmt.Println("  -pin int\tGPIO (BCM) pin for the pin command")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	logging.Init(zerolog.WarnLevel, "-")

	var err error
	switch command {
	case "events":
		err = db.RecentEventsCLI(dbPath, limit, os.Stdout)
	case "prune":
		err = db.PruneEventsCLI(dbPath, time.Duration(days)*24*time.Hour, os.Stdout)
	case "sensor":
		err = readSensor(loadConfig(configFile))
	case "scan":
		err = scanPlugs(loadConfig(configFile))
	case "pin":
		if pin <= 0 {
			fmt.Println("Error: -pin is required")
			os.Exit(1)
		}
		err = showPin(pin)
	case "install":
		err = startup.Install(loadConfig(configFile))
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	env.Cfg = &cfg
	return &cfg
}

func readSensor(cfg *config.Config) error {
	gpio.SetSafeMode(cfg.SafeMode)
	if err := gpio.Open(); err != nil {
		return err
	}
	defer gpio.Close()

	d := dht11.NewDecoder(gpio.Pins{}, cfg.SensorPin,
		time.Duration(cfg.SensorTimeoutMS)*time.Millisecond,
		time.Duration(cfg.BitThresholdUS)*time.Microsecond)
	r := d.ReadWithRetries(3, 2*time.Second)
	if !r.Valid {
		return fmt.Errorf("sensor on GPIO %d: %w", cfg.SensorPin, r.Err)
	}
	fmt.Printf("Temp: %.1fF  Humidity: %.1f%%  (frame % x)\n", r.TemperatureF, r.Humidity, r.Frame)
	return nil
}

func scanPlugs(cfg *config.Config) error {
	timeout := time.Duration(cfg.Actuators.DiscoveryTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	d := &kasa.Discoverer{BroadcastAddr: cfg.Actuators.BroadcastAddr, Timeout: timeout}
	devices, err := d.Scan(ctx)
	if err != nil && len(devices) == 0 {
		return err
	}
	for _, dev := range devices {
		if err := dev.Refresh(ctx); err != nil {
			fmt.Printf("  %-30s unreachable: %v\n", dev.Name(), err)
			continue
		}
		state := "OFF"
		if dev.IsOn() {
			state = "ON"
		}
		fmt.Printf("  %-30s %s\n", dev.Name(), state)
	}
	fmt.Printf("Found %d device(s); light_name=%q pump_name=%q\n", len(devices), cfg.Actuators.LightName, cfg.Actuators.PumpName)
	return nil
}

func showPin(pin int) error {
	ps, err := pinctrl.ReadPin(pin)
	if err != nil {
		return err
	}
	fmt.Printf("GPIO%d mode=%s pull=%s drive=%s level=%s\n", ps.Pin, ps.Mode, ps.Pull, ps.Drive, ps.Level)
	return nil
}
