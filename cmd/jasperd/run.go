package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jasperhome/jasperd/internal/actuator"
	"github.com/jasperhome/jasperd/internal/bridge"
	"github.com/jasperhome/jasperd/internal/command"
	"github.com/jasperhome/jasperd/internal/gatt"
	"github.com/jasperhome/jasperd/internal/gatt/goble"
	"github.com/jasperhome/jasperd/internal/mqttc"
	"github.com/jasperhome/jasperd/internal/sensor"
	"github.com/jasperhome/jasperd/internal/uplink"
	"github.com/jasperhome/jasperd/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge daemon",
	Long: `Runs the bridge daemon: advertises the BLE control service, decodes
sensor frames from the serial line, keeps the network uplink and the
broker session alive, and routes commands and telemetry between all of
them.

With no uplink credentials configured the daemon starts radio-only;
credentials written to the network attribute bring the uplink up, and a
broker written to the config attribute (or config topic) starts the MQTT
session.

Examples:
  # defaults: /dev/ttyUSB0, advertised as ESP-LED
  sudo jasperd run

  # against a simulated sensor line, chatty
  sudo jasperd run --serial /dev/pts/4 --log-level debug

  # everything from a file
  sudo jasperd run --config /etc/jasperd.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runConfigPath string
	runDeviceName string
	runSerialPort string
	runProbeAddr  string
	runVerbose    bool
)

func init() {
	registerRunFlags()
}

// registerRunFlags binds the run flags; tests call it again after
// ResetFlags to restore defaults and clear parsed state.
func registerRunFlags() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to YAML config file")
	runCmd.Flags().StringVar(&runDeviceName, "name", "", "Advertised device name (overrides config)")
	runCmd.Flags().StringVar(&runSerialPort, "serial", "", "Sensor serial device (overrides config; empty disables the sensor)")
	runCmd.Flags().StringVar(&runProbeAddr, "probe", "", "Uplink reachability probe address (overrides config)")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Enable debug logging")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}

	// flags override the file
	if cmd.Flags().Changed("name") {
		cfg.DeviceName = runDeviceName
	}
	if cmd.Flags().Changed("serial") {
		cfg.Serial.Port = runSerialPort
	}
	if cmd.Flags().Changed("probe") {
		cfg.Uplink.ProbeAddress = runProbeAddr
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	} else if runVerbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	// Arguments are valid - silence usage output for runtime errors
	cmd.SilenceUsage = true

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	return runBridge(ctx, logger, cfg)
}

// runBridge assembles the components, runs until ctx is cancelled, then
// shuts down in dependency order.
func runBridge(ctx context.Context, logger *logrus.Logger, cfg *config.Config) error {
	strip := actuator.NewLogStrip(logger)
	servo := actuator.NewLogServo(logger)
	srv := gatt.NewServer(logger, cfg.DeviceName)
	srv.SetServiceID(cfg.ServiceID())

	// The session and uplink callbacks land in the dispatcher. The
	// variable is assigned before anything starts, so no callback can
	// fire against a nil dispatcher.
	var disp *bridge.Dispatcher

	staticBroker, _ := cfg.Broker.Command()
	session := mqttc.NewSession(logger, mqttc.Options{Config: staticBroker},
		func(cmd command.Command, origin command.Origin) {
			if err := disp.Post(cmd, origin); err != nil {
				logger.WithError(err).Warn("Broker command dropped")
			}
		},
		func(connected bool) {
			disp.PostSession(connected)
		})

	link := &uplink.DialerLink{Address: cfg.Uplink.ProbeAddress}
	mgr := uplink.NewManager(logger, link, uplink.Options{
		Credentials: command.Credentials{
			SSID:     cfg.Uplink.SSID,
			Password: cfg.Uplink.Password,
		},
		MaxAttempts:    cfg.Uplink.MaxAttempts,
		ConnectTimeout: cfg.Uplink.ConnectTimeout.D(),
	}, func(state uplink.State, addr string) {
		disp.PostUplink(state, addr)
	})

	disp = bridge.NewDispatcher(logger, bridge.Deps{
		Strip:   strip,
		Servo:   servo,
		Radio:   srv,
		Session: session,
		Uplink:  mgr,
	})
	if err := disp.Bind(srv); err != nil {
		return err
	}
	srv.OnStateChange(func(state gatt.ConnState, peer string) {
		disp.PostPeer(state, peer)
	})

	peripheral := goble.NewPeripheral(logger, srv)
	reader := sensor.NewReader(logger, sensor.ReaderOptions{
		Port:       cfg.Serial.Port,
		BaudRate:   cfg.Serial.Baud,
		IdleWindow: cfg.Serial.IdleWindow.D(),
	}, disp.PostTelemetry)

	if err := disp.Start(ctx); err != nil {
		return err
	}
	defer disp.Stop()

	if err := session.Start(ctx); err != nil {
		return err
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	if err := peripheral.Start(ctx); err != nil {
		return fmt.Errorf("start radio: %w", err)
	}
	defer peripheral.Stop()

	if cfg.Serial.Port != "" {
		if err := reader.Start(ctx); err != nil {
			return fmt.Errorf("start sensor reader: %w", err)
		}
		defer reader.Stop()
	} else {
		logger.Warn("No serial port configured, sensor disabled")
	}

	logger.WithField("name", cfg.DeviceName).Info("Bridge running")
	<-ctx.Done()
	logger.Info("Shutting down")

	// Producers first; then the broker farewell while the uplink is
	// still up. The deferred stops cover the rest in reverse order.
	if cfg.Serial.Port != "" {
		reader.Stop()
	}
	peripheral.Stop()
	session.Disconnect()
	return nil
}
