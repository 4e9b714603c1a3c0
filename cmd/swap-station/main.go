package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"swap-station/ble/hal"
	"swap-station/store"
	"swap-station/swap"
	"swap-station/swap/fsm"
)

func main() {
	// Parse command line flags
	config := &swap.ServiceConfig{}

	// Redis configuration
	flag.StringVar(&config.RedisServerAddress, "redis-server", "127.0.0.1", "Redis server address")
	var redisPort uint
	flag.UintVar(&redisPort, "redis-port", 6379, "Redis server port")

	// Billing configuration
	flag.Float64Var(&config.RatePerKwh, "rate-per-kwh", 120, "Energy rate per kWh")
	flag.StringVar(&config.DatabasePath, "db", "/var/lib/swap-station/swaps.db", "Swap ledger database path")

	// Session timer configuration
	timings := fsm.DefaultTimings()
	flag.DurationVar(&timings.Scan, "scan-timeout", timings.Scan, "Device discovery phase timeout")
	flag.DurationVar(&timings.Connect, "connect-timeout", timings.Connect, "Connect attempt timeout (per attempt)")
	flag.DurationVar(&timings.Read, "read-timeout", timings.Read, "Record read phase timeout")
	flag.DurationVar(&timings.Watchdog, "session-watchdog", timings.Watchdog, "Whole-session watchdog")

	var logLevel int
	flag.IntVar(&logLevel, "log", 3, "Log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")

	flag.Parse()
	config.RedisServerPort = uint16(redisPort)
	config.LogLevel = logLevel

	logger := log.New(os.Stdout, "", log.LstdFlags)

	// Open the swap ledger
	ledger, err := store.Open(config.DatabasePath)
	if err != nil {
		logger.Fatalf("Failed to open swap ledger: %v", err)
	}
	defer ledger.Close()

	// Bluetooth transport on the default system adapter
	transport := hal.NewBluetoothHAL(func(level hal.LogLevel, message string) {
		if int(level) <= logLevel {
			logger.Printf("BLE: %s: %s", level, message)
		}
	})

	// Create swap station service
	service, err := swap.NewService(config, transport, ledger, os.Stdout)
	if err != nil {
		logger.Fatalf("Failed to create swap station service: %v", err)
	}
	service.SetTimings(timings)

	// Start the service
	if err := service.Start(); err != nil {
		logger.Fatalf("Failed to start swap station service: %v", err)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Stop the service
	service.Stop()
}
