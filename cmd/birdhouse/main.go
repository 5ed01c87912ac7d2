// Command birdhouse runs one mesh station: it wires the packet engine
// to a radio link, pumps it on a fixed tick, and serves operator
// commands on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wars-mesh/birdhouse-go/config"
	"github.com/wars-mesh/birdhouse-go/core/buffer"
	"github.com/wars-mesh/birdhouse-go/core/clock"
	"github.com/wars-mesh/birdhouse-go/core/codec"
	"github.com/wars-mesh/birdhouse-go/core/route"
	"github.com/wars-mesh/birdhouse-go/engine"
	"github.com/wars-mesh/birdhouse-go/transport"
	"github.com/wars-mesh/birdhouse-go/transport/mqtt"
	"github.com/wars-mesh/birdhouse-go/transport/serial"
)

const (
	softwareVersion = 3

	ringBytes     = 4096
	defaultPumpMs = 20
)

// hostInstrumentation adapts the host process to the engine's
// Instrumentation port. A host build has no battery or climate sensors,
// so the electrical readings are nominal bench values.
type hostInstrumentation struct {
	log *slog.Logger
}

func (h *hostInstrumentation) SoftwareVersion() uint16 { return softwareVersion }
func (h *hostInstrumentation) DeviceClass() uint16     { return 2 }
func (h *hostInstrumentation) DeviceRevision() uint16  { return 1 }
func (h *hostInstrumentation) BatteryVoltage() uint16  { return 3800 }
func (h *hostInstrumentation) PanelVoltage() uint16    { return 4000 }
func (h *hostInstrumentation) Temperature() int16      { return 20 }
func (h *hostInstrumentation) Humidity() int16         { return 50 }

func (h *hostInstrumentation) Restart() {
	h.log.Info("restarting")
	os.Exit(0)
}

func (h *hostInstrumentation) RestartRadio() {
	h.log.Info("radio restart requested")
}

func (h *hostInstrumentation) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func main() {
	configPath := flag.String("config", "birdhouse.yaml", "path to the node configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel() > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rx := buffer.NewRing(ringBytes, codec.BridgeSideSize)
	tx := buffer.NewRing(ringBytes, 0)

	routes := route.NewMemoryTable()
	cfg.ApplyRoutes(routes)

	proc := engine.NewProcessor(engine.Config{
		Clock:           clock.NewMonotonic(),
		RxRing:          rx,
		TxRing:          tx,
		Routes:          routes,
		Instrumentation: &hostInstrumentation{log: logger},
		Configuration:   cfg,
		TxTimeoutMs:     cfg.TxTimeoutMs,
		TxRetryMs:       cfg.TxRetryMs,
		Console:         os.Stdout,
		Logger:          logger,
	})
	commander := engine.NewCommander(proc)

	link, err := buildLink(cfg, rx, tx, logger)
	if err != nil {
		logger.Error("radio link configuration", "error", err)
		os.Exit(1)
	}
	if err := link.Start(ctx); err != nil {
		logger.Error("starting radio link", "error", err)
		os.Exit(1)
	}
	defer link.Stop()

	logger.Info("station up",
		"addr", uint16(cfg.Addr()), "call", cfg.Call().String(),
		"radio", cfg.Radio.Driver)

	lines := make(chan string)
	go readConsole(lines)

	pumpMs := cfg.PumpMs
	if pumpMs == 0 {
		pumpMs = defaultPumpMs
	}
	ticker := time.NewTicker(time.Duration(pumpMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			proc.Pump()
		case line, ok := <-lines:
			if !ok {
				logger.Info("console closed")
				return
			}
			if err := commander.Execute(line, os.Stdout); err != nil {
				fmt.Fprintf(os.Stdout, "ERR: %v\n", err)
			}
			proc.Pump()
		}
	}
}

func buildLink(cfg *config.Node, rx, tx *buffer.Ring, logger *slog.Logger) (transport.Link, error) {
	switch cfg.Radio.Driver {
	case "", "serial":
		return serial.New(serial.Config{
			Port:     cfg.Radio.Port,
			BaudRate: cfg.Radio.Baud,
			Rx:       rx,
			Tx:       tx,
			Logger:   logger,
		}), nil
	case "mqtt":
		return mqtt.New(mqtt.Config{
			Broker:   cfg.Radio.Broker,
			Username: cfg.Radio.Username,
			Password: cfg.Radio.Password,
			Mesh:     cfg.Radio.Mesh,
			Rx:       rx,
			Tx:       tx,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
	}
}

func readConsole(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}
