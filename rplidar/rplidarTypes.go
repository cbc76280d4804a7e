package rplidar

import (
	"context"
	"fmt"
)

//go:generate mockgen -destination=../mocks/mock_rplidar.go -package=mocks rplidar/rplidar Transport,Publisher

// Command is a one-byte request opcode.
type Command byte

const (
	// preCommand is the start byte sent before every request opcode.
	preCommand = 0xA5

	// Stop ends scanning and puts the device in idle state.
	Stop Command = 0x25

	// Reset reboots the device core.
	Reset Command = 0x40

	// Scan starts scanning. The device streams samples until stopped.
	Scan Command = 0x20

	// ForceScan starts scanning regardless of the rotation speed.
	ForceScan Command = 0x21

	// GetInfo queries model, firmware, hardware and serial number.
	GetInfo Command = 0x50

	// GetHealth queries the device health state.
	GetHealth Command = 0x52
)

func (c Command) String() string {
	switch c {
	case Stop:
		return "Stop"
	case Reset:
		return "Reset"
	case Scan:
		return "Scan"
	case ForceScan:
		return "ForceScan"
	case GetInfo:
		return "GetInfo"
	case GetHealth:
		return "GetHealth"
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

const (
	// DescriptorSize is the length of the response descriptor that precedes every reply.
	DescriptorSize = 7

	// InfoResponseSize is the descriptor plus the 20-byte device info payload.
	InfoResponseSize = DescriptorSize + 20

	// HealthResponseSize is the descriptor plus the 3-byte health payload.
	HealthResponseSize = DescriptorSize + 3

	// ScanResponseSize is the scan acknowledgment, a bare descriptor.
	ScanResponseSize = DescriptorSize

	// SampleSize is the length of one streamed measurement.
	SampleSize = 5

	// ScanSlots is the number of one degree buckets in a revolution.
	ScanSlots = 360

	// ScanPointSize is the serialized size of a ScanPoint: float32, float32, int32.
	ScanPointSize = 12

	// ScanPayloadSize is the serialized size of a full revolution.
	ScanPayloadSize = ScanSlots * ScanPointSize
)

// Transport is the byte channel to the device. Exactly one goroutine reads from it at a time.
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) (int, error)

	// ReadByte returns the next buffered byte without blocking. It returns ErrNoData
	// when nothing is buffered and the transport's terminal error once it has failed.
	ReadByte() (byte, error)

	// Buffered returns the number of bytes that can be read without blocking.
	Buffered() int
}

// Publisher accepts serialized revolutions.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MotorController is implemented by transports that can switch the scan motor.
type MotorController interface {
	SetMotor(on bool) error
}

// ResponseDescriptor is the 7-byte header the device sends before a reply.
type ResponseDescriptor struct {
	Header1  byte
	Header2  byte
	Size     uint32 // lower 30 bits.
	SendMode byte   // upper 2 bits of the size field.
	DataType byte
}

// Valid reports whether the descriptor carries the A5 5A start flags.
func (d ResponseDescriptor) Valid() bool {
	return d.Header1 == 0xA5 && d.Header2 == 0x5A
}

// DeviceInfo is the GetInfo reply.
type DeviceInfo struct {
	Descriptor    ResponseDescriptor
	Model         byte
	FirmwareMinor byte
	FirmwareMajor byte
	Hardware      byte
	Serial        [16]byte
}

// Ready reports whether the handshake produced a usable identity.
func (d DeviceInfo) Ready() bool {
	return d.Model != 0 || d.Hardware != 0
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("Model: %v Hardware: %v Firmware: %v.%v Serial: %X",
		d.Model, d.Hardware, d.FirmwareMajor, d.FirmwareMinor, d.Serial)
}

// HealthStatus is the device self-test result.
type HealthStatus byte

const (
	HealthGood HealthStatus = iota
	HealthPoor
	HealthCritical
	HealthUnknown
)

var healthStatusNames = [...]string{"Good", "Poor", "Critical", "Unknown"}

func (s HealthStatus) String() string {
	if int(s) < len(healthStatusNames) {
		return healthStatusNames[s]
	}
	return fmt.Sprintf("HealthStatus(%d)", byte(s))
}

// Health is the GetHealth reply.
type Health struct {
	Descriptor ResponseDescriptor
	Status     HealthStatus
	ErrorCode  int16
}

// RawSample is one 5-byte measurement as it appears on the wire.
type RawSample struct {
	Quality  byte   // bits 7:2 quality, bit 1 inverted start flag, bit 0 start flag.
	Angle    uint16 // bit 0 check bit, bits 15:1 angle in 1/64 degree.
	Distance uint16 // 1/4 mm.
}

// ScanPoint is a decoded measurement. A zero Distance marks an empty slot.
type ScanPoint struct {
	Angle    float32
	Distance float32
	Quality  int32
}

// Empty reports whether no measurement was written to the slot.
func (p ScanPoint) Empty() bool {
	return p.Distance <= 0
}

// Revolution holds one sweep indexed by whole degrees.
type Revolution [ScanSlots]ScanPoint

// Count returns the number of filled slots.
func (r *Revolution) Count() int {
	n := 0
	for i := range r {
		if !r[i].Empty() {
			n++
		}
	}
	return n
}
