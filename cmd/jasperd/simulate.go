package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jasperhome/jasperd/internal/ptyio"
	"github.com/jasperhome/jasperd/internal/sensor"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Emit synthetic sensor frames on a pseudo-terminal",
	Long: `Creates a pseudo-terminal and writes synthetic sensor frames to it at a
fixed interval, so the bridge can be exercised without hardware. The
slave path is printed on startup; point the daemon at it.

Readings follow a bounded random walk around plausible indoor values.
With --corrupt a fraction of frames gets a flipped payload bit, which the
decoder must discard and resynchronize past.

Examples:
  # one frame per second, forever
  jasperd simulate

  # a quick burst for decoder testing
  jasperd simulate --interval 100ms --count 50

  # 10% damaged frames
  jasperd simulate --corrupt 0.1`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var (
	simInterval time.Duration
	simCount    int
	simCorrupt  float64
	simVerbose  bool
)

func init() {
	registerSimulateFlags()
}

func registerSimulateFlags() {
	simulateCmd.Flags().DurationVar(&simInterval, "interval", time.Second, "Delay between frames")
	simulateCmd.Flags().IntVar(&simCount, "count", 0, "Number of frames to send (0 = until interrupted)")
	simulateCmd.Flags().Float64Var(&simCorrupt, "corrupt", 0, "Fraction of frames to damage (0..1)")
	simulateCmd.Flags().BoolVar(&simVerbose, "verbose", false, "Enable debug logging")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", simInterval)
	}
	if simCount < 0 {
		return fmt.Errorf("count must be non-negative, got %d", simCount)
	}
	if simCorrupt < 0 || simCorrupt > 1 {
		return fmt.Errorf("corrupt must be within [0, 1], got %g", simCorrupt)
	}

	logger, err := configureLogger(cmd, "verbose", logrus.InfoLevel)
	if err != nil {
		return err
	}

	// Arguments are valid - silence usage output for runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	line, err := ptyio.Open(logger, 0)
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer line.Close()

	banner := color.New(color.FgGreen, color.Bold)
	banner.Fprintf(cmd.OutOrStdout(), "Sensor simulator on %s\n", line.Name())
	fmt.Fprintf(cmd.OutOrStdout(), "Attach with: jasperd run --serial %s\n\n", line.Name())

	gen := newReadingGenerator()
	ticker := time.NewTicker(simInterval)
	defer ticker.Stop()

	var sent, corrupted int
	for simCount == 0 || sent < simCount {
		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout())
			printSimSummary(cmd, line, sent, corrupted)
			return nil
		case <-ticker.C:
		}

		frame := sensor.EncodeFrame(gen.next())
		if simCorrupt > 0 && rand.Float64() < simCorrupt {
			// flip a payload bit; header stays intact so the decoder
			// has to reject on checksum, not alignment
			frame[2+rand.Intn(sensor.FrameSize-3)] ^= 0x40
			corrupted++
		}
		if _, err := line.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		sent++
	}

	printSimSummary(cmd, line, sent, corrupted)
	return nil
}

func printSimSummary(cmd *cobra.Command, line *ptyio.Line, sent, corrupted int) {
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d frame(s), %d corrupted, %d byte(s) shed\n",
		sent, corrupted, line.Shed())
}

// readingGenerator produces a bounded random walk over plausible indoor
// air readings, so consecutive frames look like a real sensor rather
// than noise.
type readingGenerator struct {
	co2  float64
	hcho float64
	tvoc float64
	pm25 float64
	pm10 float64
	temp float64
	hum  float64
}

func newReadingGenerator() *readingGenerator {
	return &readingGenerator{
		co2:  600,
		hcho: 30,
		tvoc: 120,
		pm25: 12,
		pm10: 18,
		temp: 22.5,
		hum:  48,
	}
}

func (g *readingGenerator) next() sensor.Record {
	g.co2 = drift(g.co2, 15, 400, 2000)
	g.hcho = drift(g.hcho, 3, 0, 200)
	g.tvoc = drift(g.tvoc, 8, 0, 600)
	g.pm25 = drift(g.pm25, 2, 0, 150)
	g.pm10 = drift(g.pm10, 3, 0, 200)
	g.temp = drift(g.temp, 0.2, 10, 35)
	g.hum = drift(g.hum, 0.5, 20, 80)

	return sensor.Record{
		CO2:         uint16(g.co2),
		HCHO:        uint16(g.hcho),
		TVOC:        uint16(g.tvoc),
		PM25:        uint16(g.pm25),
		PM10:        uint16(g.pm10),
		Temperature: g.temp,
		Humidity:    g.hum,
		Valid:       true,
	}
}

// drift moves v by a random step within ±step, clamped to [min, max].
func drift(v, step, min, max float64) float64 {
	v += (rand.Float64()*2 - 1) * step
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
