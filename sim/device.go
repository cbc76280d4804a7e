// Package sim simulates an RPLIDAR on the far side of a serial link.
package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"rplidar/rplidar"
)

// ErrClosed is returned when the simulated port is not open.
var ErrClosed = errors.New("simulated port closed")

// Config describes the simulated unit and its surroundings.
type Config struct {
	Model         byte
	Hardware      byte
	FirmwareMajor byte
	FirmwareMinor byte
	Serial        [16]byte

	Health    rplidar.HealthStatus
	ErrorCode int16

	// UnreadyInfos is the number of GetInfo replies sent with zero model and hardware.
	UnreadyInfos int

	// Silent drops every reply, as a device that is not powered.
	Silent bool

	// RevolutionPeriod paces streamed revolutions. Zero streams as fast as read.
	RevolutionPeriod time.Duration

	// RoomWidth and RoomDepth size the rectangular room around the lidar, in mm.
	RoomWidth float64
	RoomDepth float64

	// NoiseEvery inserts a desynchronizing byte after every n samples. Zero disables it.
	NoiseEvery int
}

// DefaultConfig returns an A1-like unit in a 4 x 3 m room spinning at about 5.5 Hz.
func DefaultConfig() Config {
	return Config{
		Model:            0x18,
		Hardware:         7,
		FirmwareMajor:    1,
		FirmwareMinor:    29,
		Serial:           [16]byte{0xB2, 0xE4, 0x9A, 0xF0, 0xC3, 0xE6, 0x9E, 0xD4, 0xA5, 0xE2, 0x98, 0xF2, 0x3D, 0x61, 0x43, 0x1E},
		RevolutionPeriod: 180 * time.Millisecond,
		RoomWidth:        4000,
		RoomDepth:        3000,
	}
}

// Device implements rplidar.Transport by answering requests the way the firmware does.
type Device struct {
	cfg Config

	mu       sync.Mutex
	open     bool
	scanning bool
	motor    bool
	out      bytes.Buffer
	lastRev  time.Time
	requests []rplidar.Command
	opens    int
	resets   int
	unready  int
}

// NewDevice returns a closed simulated device.
func NewDevice(cfg Config) *Device {
	return &Device{cfg: cfg, unready: cfg.UnreadyInfos}
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.opens++
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.out.Reset()
	return nil
}

// Write parses request frames and queues the replies.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, ErrClosed
	}

	for i := 0; i+1 < len(p); i++ {
		if p[i] != 0xA5 {
			continue
		}
		cmd := rplidar.Command(p[i+1])
		d.requests = append(d.requests, cmd)
		d.handle(cmd)
		i++
		if cmd&0x80 != 0 && i+1 < len(p) {
			// Skip the payload and checksum of commands that carry one.
			i += int(p[i+1]) + 2
		}
	}
	return len(p), nil
}

func (d *Device) handle(cmd rplidar.Command) {
	glog.V(2).Infof("sim: %v", cmd)
	switch cmd {
	case rplidar.Stop:
		d.scanning = false
	case rplidar.Reset:
		d.scanning = false
		d.resets++
	case rplidar.GetInfo:
		d.reply(d.infoPayload(), 0x04, 0)
	case rplidar.GetHealth:
		payload := []byte{byte(d.cfg.Health), 0, 0}
		binary.LittleEndian.PutUint16(payload[1:], uint16(d.cfg.ErrorCode))
		d.reply(payload, 0x06, 0)
	case rplidar.Scan, rplidar.ForceScan:
		if d.cfg.Silent {
			return
		}
		d.out.Write(Descriptor(5, 1, 0x81))
		d.scanning = true
		d.lastRev = time.Time{}
	}
}

func (d *Device) infoPayload() []byte {
	payload := make([]byte, 20)
	if d.unready > 0 {
		d.unready--
		return payload
	}
	payload[0] = d.cfg.Model
	payload[1] = d.cfg.FirmwareMinor
	payload[2] = d.cfg.FirmwareMajor
	payload[3] = d.cfg.Hardware
	copy(payload[4:], d.cfg.Serial[:])
	return payload
}

func (d *Device) reply(payload []byte, dataType byte, mode byte) {
	if d.cfg.Silent {
		return
	}
	d.out.Write(Descriptor(uint32(len(payload)), mode, dataType))
	d.out.Write(payload)
}

// ReadByte returns queued reply bytes. While scanning it queues one revolution at a
// time, paced by RevolutionPeriod.
func (d *Device) ReadByte() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, ErrClosed
	}
	if d.out.Len() == 0 && d.scanning {
		d.generate()
	}
	if d.out.Len() == 0 {
		return 0, rplidar.ErrNoData
	}
	return d.out.ReadByte()
}

func (d *Device) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.Len()
}

func (d *Device) generate() {
	now := time.Now()
	if !d.lastRev.IsZero() && now.Sub(d.lastRev) < d.cfg.RevolutionPeriod {
		return
	}
	d.lastRev = now
	for i := 0; i < rplidar.ScanSlots; i++ {
		angle := float64(i)
		d.out.Write(EncodeSample(angle, d.distance(angle), 47, i == 0))
		if d.cfg.NoiseEvery > 0 && (i+1)%d.cfg.NoiseEvery == 0 {
			d.out.WriteByte(0x00)
		}
	}
}

// distance is the range from the room center to its walls along angle.
func (d *Device) distance(angle float64) float64 {
	rad := angle * math.Pi / 180
	c, s := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	dist := math.Inf(1)
	if c > 1e-9 {
		dist = d.cfg.RoomWidth / 2 / c
	}
	if s > 1e-9 {
		dist = math.Min(dist, d.cfg.RoomDepth/2/s)
	}
	return dist
}

// SetMotor switches the simulated motor.
func (d *Device) SetMotor(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.motor = on
	return nil
}

// Motor reports whether the motor is running.
func (d *Device) Motor() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motor
}

// Requests returns the commands received so far.
func (d *Device) Requests() []rplidar.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]rplidar.Command(nil), d.requests...)
}

// Resets returns the number of Reset commands received.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Opens returns the number of times the port was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Scanning reports whether the device is streaming samples.
func (d *Device) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// Descriptor encodes a response descriptor.
func Descriptor(size uint32, mode byte, dataType byte) []byte {
	b := []byte{0xA5, 0x5A, 0, 0, 0, 0, dataType}
	binary.LittleEndian.PutUint32(b[2:6], size&0x3FFFFFFF|uint32(mode)<<30)
	return b
}

// EncodeSample encodes one measurement as the device streams it.
func EncodeSample(angle, mm float64, quality int, start bool) []byte {
	b := make([]byte, rplidar.SampleSize)
	b[0] = byte(quality<<2) | 0x02
	if start {
		b[0] = byte(quality<<2) | 0x01
	}
	binary.LittleEndian.PutUint16(b[1:3], uint16(angle*64)<<1|0x01)
	binary.LittleEndian.PutUint16(b[3:5], uint16(mm*4))
	return b
}
