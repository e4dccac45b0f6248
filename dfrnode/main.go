package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/adc"
	"github.com/itohio/dfrnode/pkg/config"
	"github.com/itohio/dfrnode/pkg/flash"
	"github.com/itohio/dfrnode/pkg/logging"
)

// exitRestart tells the supervisor to restart the agent into the pending image.
const exitRestart = 3

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		mockFlag   = flag.Bool("mock", false, "Use the simulated ADC front-end instead of the serial port")
		idFlag     = flag.String("id", "", "Device id override")
		writeFlag  = flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
		revertFlag = flag.Bool("revert", false, "Boot the rollback image on next start and exit")
		portsFlag  = flag.Bool("list-ports", false, "List available serial ports and exit")
	)
	flag.Parse()

	if *portsFlag {
		ports, err := adc.Ports()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Acquisition.SerialPort = *portFlag
		cfg.Acquisition.Source = "serial"
	}
	if *mockFlag {
		cfg.Acquisition.Source = "mock"
	}
	if *idFlag != "" {
		cfg.Device.ID = *idFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *writeFlag {
		if err := cfg.Save(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *revertFlag {
		dir, err := flash.Open(cfg.Firmware.FlashDir, cfg.Firmware.Version)
		if err == nil {
			var rec flash.BootRecord
			rec, err = dir.Revert()
			if err == nil {
				fmt.Printf("slot %s (%s) is active\n", rec.Active, rec.ActiveVersion())
				os.Exit(exitRestart)
			}
		}
		fmt.Fprintf(os.Stderr, "failed to revert firmware: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg, log)
	if err != nil {
		log.Error("failed to start agent", zap.Error(err))
		os.Exit(1)
	}

	err = a.run(ctx)
	switch {
	case errors.Is(err, errRestart):
		log.Info("restarting into new firmware", zap.String("version", a.pendingVersion()))
		_ = log.Sync()
		os.Exit(exitRestart)
	case err != nil:
		log.Error("agent stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("agent stopped")
}
