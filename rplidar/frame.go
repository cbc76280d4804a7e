// Package rplidar drives a Slamtec RPLIDAR style rangefinder over a serial byte stream.
// Little endian throughout.
package rplidar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeRequest builds a request frame. A payload adds a length byte and an XOR checksum.
func EncodeRequest(cmd Command, payload []byte) []byte {
	buf := []byte{preCommand, byte(cmd)}
	if len(payload) == 0 {
		return buf
	}
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, checksum(buf[1:]))
}

// checksum XORs every byte of b.
func checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}

func checkLength(what string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s: expected %d bytes got %d: %w", what, want, len(b), ErrMalformedFrame)
	}
	return nil
}

// decodeDescriptor reads the first DescriptorSize bytes of b.
func decodeDescriptor(b []byte) ResponseDescriptor {
	sizeAndMode := binary.LittleEndian.Uint32(b[2:6])
	return ResponseDescriptor{
		Header1:  b[0],
		Header2:  b[1],
		Size:     sizeAndMode & 0x3FFFFFFF,
		SendMode: byte(sizeAndMode >> 30),
		DataType: b[6],
	}
}

// DecodeDescriptor decodes a bare response descriptor such as the scan acknowledgment.
func DecodeDescriptor(b []byte) (ResponseDescriptor, error) {
	if err := checkLength("descriptor", b, DescriptorSize); err != nil {
		return ResponseDescriptor{}, err
	}
	return decodeDescriptor(b), nil
}

// DecodeInfo decodes a GetInfo reply.
func DecodeInfo(b []byte) (DeviceInfo, error) {
	if err := checkLength("device info", b, InfoResponseSize); err != nil {
		return DeviceInfo{}, err
	}
	info := DeviceInfo{
		Descriptor:    decodeDescriptor(b),
		Model:         b[7],
		FirmwareMinor: b[8],
		FirmwareMajor: b[9],
		Hardware:      b[10],
	}
	copy(info.Serial[:], b[11:27])
	return info, nil
}

// DecodeHealth decodes a GetHealth reply. A status outside Good..Unknown is returned
// together with ErrProtocolViolation.
func DecodeHealth(b []byte) (Health, error) {
	if err := checkLength("health", b, HealthResponseSize); err != nil {
		return Health{}, err
	}
	h := Health{
		Descriptor: decodeDescriptor(b),
		Status:     HealthStatus(b[7]),
		ErrorCode:  int16(binary.LittleEndian.Uint16(b[8:10])),
	}
	if h.Status > HealthUnknown {
		return h, fmt.Errorf("health status %d: %w", byte(h.Status), ErrProtocolViolation)
	}
	return h, nil
}

// DecodeSample decodes one streamed measurement.
func DecodeSample(b []byte) (RawSample, error) {
	if err := checkLength("sample", b, SampleSize); err != nil {
		return RawSample{}, err
	}
	return RawSample{
		Quality:  b[0],
		Angle:    binary.LittleEndian.Uint16(b[1:3]),
		Distance: binary.LittleEndian.Uint16(b[3:5]),
	}, nil
}

// StartFlag reports whether the sample is the first of a new revolution.
func (s RawSample) StartFlag() bool {
	return s.Quality&0x01 == 0x01
}

// Degrees returns the angle rounded half away from zero to whole degrees.
func (s RawSample) Degrees() int {
	return int(math.Round(float64(s.Angle>>1) / 64.0))
}

// Millimeters returns the measured distance.
func (s RawSample) Millimeters() float32 {
	return float32(s.Distance) / 4
}

// Level returns the 6-bit signal quality.
func (s RawSample) Level() int {
	return int(s.Quality >> 2)
}

// Point converts the sample. ok is false when the sample must not be stored.
func (s RawSample) Point() (p ScanPoint, ok bool) {
	angle := s.Degrees()
	p = ScanPoint{
		Angle:    float32(angle),
		Distance: s.Millimeters(),
		Quality:  int32(s.Level()),
	}
	return p, p.Distance > 0 && angle < ScanSlots
}

// MarshalRevolution serializes r as ScanSlots fixed-size records in index order.
func MarshalRevolution(r *Revolution) []byte {
	buf := make([]byte, ScanPayloadSize)
	for i := range r {
		off := i * ScanPointSize
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r[i].Angle))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(r[i].Distance))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(r[i].Quality))
	}
	return buf
}

// UnmarshalRevolution is the inverse of MarshalRevolution.
func UnmarshalRevolution(b []byte) (*Revolution, error) {
	if err := checkLength("revolution", b, ScanPayloadSize); err != nil {
		return nil, err
	}
	r := new(Revolution)
	for i := range r {
		off := i * ScanPointSize
		r[i] = ScanPoint{
			Angle:    math.Float32frombits(binary.LittleEndian.Uint32(b[off:])),
			Distance: math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:])),
			Quality:  int32(binary.LittleEndian.Uint32(b[off+8:])),
		}
	}
	return r, nil
}
