package sensor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultIdleWindow bounds how long a partial frame may sit without new
// bytes before the decoder discards it and resumes scanning.
const DefaultIdleWindow = 500 * time.Millisecond

// Decoder reassembles frames from an unbounded byte stream. It scans for
// the header byte, collects a 17-byte candidate, and validates it; on
// validation failure it resumes scanning at the byte after the discarded
// header so a header hidden inside the bad candidate is not skipped.
// Candidates stalled longer than the idle window are dropped whole.
//
// A Decoder is owned by a single reading goroutine and is not safe for
// concurrent use.
type Decoder struct {
	logger     logrus.FieldLogger
	emit       func(Record)
	idleWindow time.Duration

	buf      []byte
	lastByte time.Time
	discards uint64
}

// NewDecoder creates a decoder that invokes emit for every valid frame.
// An idleWindow of zero selects DefaultIdleWindow.
func NewDecoder(logger logrus.FieldLogger, idleWindow time.Duration, emit func(Record)) *Decoder {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	return &Decoder{
		logger:     logger.WithField("component", "sensor-decoder"),
		emit:       emit,
		idleWindow: idleWindow,
	}
}

// Feed appends a chunk of stream bytes and emits any frames that
// complete. now stamps the chunk for idle tracking.
func (d *Decoder) Feed(now time.Time, data []byte) {
	if len(data) == 0 {
		return
	}
	d.lastByte = now
	d.buf = append(d.buf, data...)
	d.scan()
}

// Tick lets the decoder observe the passage of time between reads. If a
// partial candidate has been stalled past the idle window it is dropped
// so a truncated frame cannot block resynchronization forever.
func (d *Decoder) Tick(now time.Time) {
	if len(d.buf) == 0 {
		return
	}
	if now.Sub(d.lastByte) < d.idleWindow {
		return
	}
	d.discards++
	d.logger.WithFields(logrus.Fields{
		"pending":  len(d.buf),
		"discards": d.discards,
	}).Warn("Discarding stalled partial frame")
	d.buf = d.buf[:0]
}

// Discards reports how many candidates have been thrown away since the
// decoder was created.
func (d *Decoder) Discards() uint64 {
	return d.discards
}

func (d *Decoder) scan() {
	i := 0
	for {
		for i < len(d.buf) && d.buf[i] != FrameHeader {
			i++
		}
		if i >= len(d.buf) {
			d.buf = d.buf[:0]
			return
		}
		if len(d.buf)-i < FrameSize {
			// partial candidate, keep from the header onward
			d.buf = append(d.buf[:0], d.buf[i:]...)
			return
		}

		rec, err := DecodeFrame(d.buf[i : i+FrameSize])
		if err != nil {
			d.discards++
			d.logger.WithError(err).WithField("discards", d.discards).Warn("Discarding frame")
			i++
			continue
		}

		d.logger.WithFields(logrus.Fields{
			"co2": rec.CO2, "hcho": rec.HCHO, "tvoc": rec.TVOC,
			"pm25": rec.PM25, "pm10": rec.PM10,
			"temperature": rec.Temperature, "humidity": rec.Humidity,
		}).Debug("Decoded sensor frame")
		d.emit(rec)
		i += FrameSize
	}
}
