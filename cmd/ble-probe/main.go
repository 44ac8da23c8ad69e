// Command ble-probe is a manual test for the coop node's GATT service.
// It either scans for advertising nodes or connects once, reads every
// sensor and event attribute and prints the decoded values.
//
// Usage:
//
//	go run ./cmd/ble-probe --scan [--timeout 10s]
//	go run ./cmd/ble-probe [--config path] [--address 2C:CF:67:C9:C3:66]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/ble/protocol"
	"github.com/chaz8081/birdbridge/internal/config"
)

func main() {
	scan := flag.Bool("scan", false, "scan for coop nodes instead of reading one")
	timeout := flag.Duration("timeout", 10*time.Second, "scan or connect timeout")
	configPath := flag.String("config", "", "path to config file (default: built-in defaults)")
	address := flag.String("address", "", "peripheral address, overrides the config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *address != "" {
		cfg.Peripheral.Address = *address
	}

	adapter := ble.NewTinyGoAdapter()

	if *scan {
		fmt.Printf("Scanning for %s for %s...\n", cfg.Peripheral.ServiceUUID, *timeout)
		devices, err := ble.ScanForDevices(adapter, cfg.Peripheral.ServiceUUID, *timeout)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if len(devices) == 0 {
			fmt.Println("No devices found.")
			return
		}
		for _, d := range devices {
			fmt.Printf("  %-20s %s  RSSI %d\n", d.Name, d.MAC, d.RSSI)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	clock, _ := cfg.Clock.Clock()

	client, err := ble.NewClient(adapter, cfg.Peripheral.Address, ble.ClientOptions{
		ServiceUUID:    cfg.Peripheral.ServiceUUID,
		Attributes:     cfg.Attributes.All(),
		ConnectTimeout: *timeout,
		OpTimeout:      cfg.Peripheral.OpTimeout,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	fmt.Printf("Connecting to %s...\n", cfg.Peripheral.Address)
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	readings := []struct {
		name string
		attr string
		unit protocol.Unit
	}{
		{"temperature", cfg.Attributes.Temperature, protocol.UnitCelsius},
		{"humidity", cfg.Attributes.Humidity, protocol.UnitRelativeHumidity},
	}
	for _, r := range readings {
		data, err := client.Read(ctx, r.attr)
		if err != nil {
			fmt.Printf("  %-12s error: %v\n", r.name, err)
			continue
		}
		v, err := protocol.DecodeReading(data, r.unit)
		if err != nil {
			fmt.Printf("  %-12s % x (%v)\n", r.name, data, err)
			continue
		}
		fmt.Printf("  %-12s %.2f %s\n", r.name, v.Value(), v.Unit)
	}

	events := []struct {
		name string
		attr string
	}{
		{"water", cfg.Attributes.WaterEvent},
		{"feed", cfg.Attributes.FeedEvent},
	}
	for _, e := range events {
		data, err := client.Read(ctx, e.attr)
		if err != nil {
			fmt.Printf("  %-12s error: %v\n", e.name, err)
			continue
		}
		ts, ok := protocol.DecodeTimestamp(data)
		if !ok {
			fmt.Printf("  %-12s unknown (% x)\n", e.name, data)
			continue
		}
		fmt.Printf("  %-12s %s\n", e.name, ts.Time(clock).Format(time.RFC3339))
	}

	fmt.Println("\nDone!")
}
