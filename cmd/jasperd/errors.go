package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// FormatUserError rewrites common low-level failures into actionable
// messages. Anything unrecognized passes through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v\nAccessing the radio or a serial device usually needs elevated privileges (try sudo, or add your user to the dialout group).", err)
	case errors.Is(err, os.ErrNotExist) && strings.Contains(err.Error(), "/dev/"):
		return fmt.Sprintf("%v\nCheck the serial device path; 'jasperd simulate' creates one if no hardware is attached.", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("%v\nNothing is listening at the configured address.", err)
	}
	return err.Error()
}
