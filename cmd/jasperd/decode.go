package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jasperhome/jasperd/internal/sensor"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode [hex]",
	Short: "Decode captured sensor frames from hex",
	Long: `Decodes one or more sensor frames from a hex dump and prints each
reading as a JSON line. Whitespace, colons and commas in the input are
ignored, so output from common capture tools pastes straight in.

The stream is scanned the same way the live reader scans the serial
line: garbage before, between and after frames is skipped, and corrupted
candidates are discarded with a note.

Examples:
  # a single frame from the command line
  jasperd decode 3c:02:02:58:00:1e:00:78:00:0c:00:12:16:32:30:00:c4

  # a capture file, or piped from stdin
  jasperd decode --file capture.hex
  xxd -p /dev/ttyUSB0 | jasperd decode --file -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

var decodeFile string

func init() {
	registerDecodeFlags()
}

func registerDecodeFlags() {
	decodeCmd.Flags().StringVar(&decodeFile, "file", "", "Read hex from file instead of the argument (\"-\" for stdin)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	var input string
	switch {
	case decodeFile != "" && len(args) > 0:
		return fmt.Errorf("provide hex as an argument or via --file, not both")
	case decodeFile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(data)
	case decodeFile != "":
		data, err := os.ReadFile(decodeFile)
		if err != nil {
			return err
		}
		input = string(data)
	case len(args) == 1:
		input = args[0]
	default:
		return fmt.Errorf("no input: provide hex as an argument or via --file")
	}

	stream, err := parseHexStream(input)
	if err != nil {
		return err
	}

	// Decoder warnings would duplicate the summary, keep the logger quiet
	logger, err := configureLogger(cmd, "", logrus.ErrorLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	var valid int
	dec := sensor.NewDecoder(logger, 0, func(r sensor.Record) {
		valid++
		fmt.Fprintf(out, "%s\n", r.JSON())
	})
	dec.Feed(time.Now(), stream)

	if n := dec.Discards(); n > 0 {
		color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "%d corrupted candidate(s) discarded\n", n)
	}
	if valid == 0 {
		return fmt.Errorf("no valid frames in %d byte(s)", len(stream))
	}
	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "%d valid frame(s)\n", valid)
	return nil
}

// parseHexStream turns a loose hex dump into bytes. Whitespace, colons
// and commas are separators; anything else must be hex digits.
func parseHexStream(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', ':', ',':
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return nil, fmt.Errorf("no hex digits in input")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}
