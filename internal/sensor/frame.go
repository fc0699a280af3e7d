// Package sensor decodes the air-quality sensor's serial protocol: fixed
// 17-byte frames carrying five big-endian uint16 readings plus signed
// temperature and humidity encoded as integer/hundredths byte pairs.
//
// Frame layout:
//
//	byte 0      header, always 0x3C
//	byte 1      sub-type, always 0x02
//	bytes 2-11  CO2, HCHO, TVOC, PM2.5, PM10 (big-endian uint16 each)
//	byte 12     temperature integer part, bit7 set means negative
//	byte 13     temperature hundredths
//	byte 14     humidity integer part
//	byte 15     humidity hundredths
//	byte 16     checksum, low byte of the sum of bytes 0-15
package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// FrameSize is the fixed length of a sensor frame in bytes.
	FrameSize = 17

	// FrameHeader marks the first byte of every frame.
	FrameHeader = 0x3C

	// FrameSubType is the fixed second byte of every frame.
	FrameSubType = 0x02
)

// Frame integrity errors
var (
	ErrFrameLength   = errors.New("bad frame length")
	ErrFrameHeader   = errors.New("bad frame header")
	ErrFrameSubType  = errors.New("bad frame sub-type")
	ErrFrameChecksum = errors.New("bad frame checksum")
)

// Record is one decoded sensor reading. Gas readings are in the sensor's
// native units (ppb/ppm per the vendor table), particulates in µg/m³.
type Record struct {
	CO2         uint16
	HCHO        uint16
	TVOC        uint16
	PM25        uint16
	PM10        uint16
	Temperature float64
	Humidity    float64
	Valid       bool
}

// JSON renders the record in the telemetry wire form: a compact object
// with seven numeric fields, floats carrying one fractional digit.
func (r Record) JSON() []byte {
	return fmt.Appendf(nil,
		`{"co2":%d,"hcho":%d,"tvoc":%d,"pm25":%d,"pm10":%d,"temperature":%.1f,"humidity":%.1f}`,
		r.CO2, r.HCHO, r.TVOC, r.PM25, r.PM10, r.Temperature, r.Humidity)
}

// Checksum returns the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// DecodeFrame validates one full frame and decodes it into a Record.
func DecodeFrame(frame []byte) (Record, error) {
	if len(frame) != FrameSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrFrameLength, len(frame))
	}
	if frame[0] != FrameHeader {
		return Record{}, fmt.Errorf("%w: 0x%02x", ErrFrameHeader, frame[0])
	}
	if frame[1] != FrameSubType {
		return Record{}, fmt.Errorf("%w: 0x%02x", ErrFrameSubType, frame[1])
	}
	if sum := Checksum(frame[:FrameSize-1]); sum != frame[FrameSize-1] {
		return Record{}, fmt.Errorf("%w: computed 0x%02x, frame carries 0x%02x",
			ErrFrameChecksum, sum, frame[FrameSize-1])
	}

	r := Record{
		CO2:      binary.BigEndian.Uint16(frame[2:4]),
		HCHO:     binary.BigEndian.Uint16(frame[4:6]),
		TVOC:     binary.BigEndian.Uint16(frame[6:8]),
		PM25:     binary.BigEndian.Uint16(frame[8:10]),
		PM10:     binary.BigEndian.Uint16(frame[10:12]),
		Humidity: float64(frame[14]) + float64(frame[15])/100,
		Valid:    true,
	}
	temp := float64(frame[12]&0x7F) + float64(frame[13])/100
	if frame[12]&0x80 != 0 {
		temp = -temp
	}
	r.Temperature = temp
	return r, nil
}

// EncodeFrame renders a record as a wire frame with a valid checksum.
// Temperature and humidity are rounded to the protocol's two-decimal
// precision; temperature magnitude saturates at the 7-bit limit.
func EncodeFrame(r Record) []byte {
	frame := make([]byte, FrameSize)
	frame[0] = FrameHeader
	frame[1] = FrameSubType
	binary.BigEndian.PutUint16(frame[2:4], r.CO2)
	binary.BigEndian.PutUint16(frame[4:6], r.HCHO)
	binary.BigEndian.PutUint16(frame[6:8], r.TVOC)
	binary.BigEndian.PutUint16(frame[8:10], r.PM25)
	binary.BigEndian.PutUint16(frame[10:12], r.PM10)

	temp := r.Temperature
	var sign byte
	if temp < 0 {
		sign = 0x80
		temp = -temp
	}
	ti, tf := splitHundredths(temp, 0x7F)
	frame[12] = sign | ti
	frame[13] = tf

	hi, hf := splitHundredths(r.Humidity, 0xFF)
	frame[14] = hi
	frame[15] = hf

	frame[16] = Checksum(frame[:FrameSize-1])
	return frame
}

// splitHundredths splits a non-negative value into an integer byte capped
// at maxInt and a hundredths byte in [0,99].
func splitHundredths(v float64, maxInt byte) (byte, byte) {
	v = math.Round(v*100) / 100
	i := math.Floor(v)
	if i > float64(maxInt) {
		return maxInt, 99
	}
	frac := math.Round((v - i) * 100)
	if frac > 99 {
		frac = 99
	}
	return byte(i), byte(frac)
}
