package ptyio

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasperhome/jasperd/internal/sensor"
	"github.com/jasperhome/jasperd/internal/testutils"
)

func TestLineDeliversToSlave(t *testing.T) {
	helper := testutils.NewQuietTestHelper(t)

	line, err := Open(helper.Logger, 0)
	require.NoError(t, err)
	defer line.Close()

	require.True(t, strings.HasPrefix(line.Name(), "/dev/"), "slave path %q", line.Name())

	frame := sensor.EncodeFrame(sensor.Record{
		CO2: 600, HCHO: 20, TVOC: 100, PM25: 10, PM10: 15,
		Temperature: 22.5, Humidity: 48.0, Valid: true,
	})
	n, err := line.Write(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)

	reader, err := os.OpenFile(line.Name(), os.O_RDONLY, 0)
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.SetReadDeadline(time.Now().Add(2*time.Second)))

	got := make([]byte, len(frame))
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	rec, err := sensor.DecodeFrame(got)
	require.NoError(t, err)
	assert.Equal(t, uint16(600), rec.CO2)

	testutils.Eventually(t, time.Second, func() bool {
		return line.Written() == uint64(len(frame))
	}, "written counter never advanced")
	assert.Zero(t, line.Shed())
}

func TestLineInterleavedWrites(t *testing.T) {
	helper := testutils.NewQuietTestHelper(t)

	line, err := Open(helper.Logger, 0)
	require.NoError(t, err)
	defer line.Close()

	reader, err := os.OpenFile(line.Name(), os.O_RDONLY, 0)
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.SetReadDeadline(time.Now().Add(2*time.Second)))

	var want []byte
	for i := 0; i < 5; i++ {
		frame := sensor.EncodeFrame(sensor.Record{CO2: uint16(500 + i), Valid: true})
		want = append(want, frame...)
		_, err := line.Write(frame)
		require.NoError(t, err)
	}

	got := make([]byte, len(want))
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, want, got, "byte order must survive queueing")
}

func TestLineClose(t *testing.T) {
	helper := testutils.NewQuietTestHelper(t)

	line, err := Open(helper.Logger, 16)
	require.NoError(t, err)

	require.NoError(t, line.Close())
	assert.NoError(t, line.Close(), "close is idempotent")

	_, err = line.Write([]byte{0x3C})
	assert.ErrorIs(t, err, os.ErrClosed)
}
